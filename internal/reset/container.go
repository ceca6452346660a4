package reset

import (
	"slices"

	"github.com/tinyrange/qdev/internal/object"
)

// TypeContainer is an object that only exists to reset a list of other
// objects together, in the order they were added.
const TypeContainer = "resettable-container"

// Container is a Resettable whose reset children are an explicit list.
type Container struct {
	object.Object
	state    State
	children []Resettable
}

func (c *Container) ResetState() *State { return &c.state }

func (c *Container) ResetChildForeach(fn func(Resettable), _ Type) {
	for _, child := range slices.Clone(c.children) {
		fn(child)
	}
}

// Add appends obj to the container.
func (c *Container) Add(obj Resettable) {
	c.children = append(c.children, obj)
}

// Remove drops obj from the container. Unknown objects are fatal.
func (c *Container) Remove(obj Resettable) {
	i := slices.Index(c.children, obj)
	if i < 0 {
		object.Fatalf("reset container", "%q is not in the container", object.CanonicalPath(obj))
	}
	c.children = slices.Delete(c.children, i, i+1)
}

func (c *Container) Len() int { return len(c.children) }

// NewContainer creates a detached container.
func NewContainer(r *object.Registry) *Container {
	return r.New(TypeContainer).(*Container)
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:       TypeContainer,
			Parent:     object.TypeObject,
			New:        func() object.Instance { return &Container{} },
			Interfaces: []string{TypeResettable},
		})
	})
}
