package object

import (
	"reflect"
)

// Class holds the per-type state shared by all instances: class-level
// properties, the unparent hook and typed facets standing in for the
// virtual method tables of subclasses.
type Class struct {
	typ    *Type
	parent *Class
	props  *propertyTable
	facets map[reflect.Type]any

	// Unparent runs when an instance is removed from the composition tree,
	// before its parent link is cleared.
	Unparent func(obj Instance)
}

func allocClass(t *Type) *Class {
	c := &Class{
		typ:    t,
		props:  newPropertyTable(),
		facets: make(map[reflect.Type]any),
	}
	if t.parent != nil {
		pc := t.parent.class
		c.parent = pc
		c.Unparent = pc.Unparent
		for key, f := range pc.facets {
			c.facets[key] = cloneFacet(f)
		}
	}
	return c
}

func (c *Class) init() {
	data := c.typ.info.ClassData
	for p := c.typ.parent; p != nil; p = p.parent {
		if p.info.ClassBaseInit != nil {
			p.info.ClassBaseInit(c, data)
		}
	}
	if c.typ.info.ClassInit != nil {
		c.typ.info.ClassInit(c, data)
	}
}

func (c *Class) Type() *Type { return c.typ }

func (c *Class) Name() string { return c.typ.info.Name }

func (c *Class) Parent() *Class { return c.parent }

func (c *Class) IsAbstract() bool { return c.typ.info.Abstract }

// Implements reports whether the class's type is, descends from, or
// implements the named type.
func (c *Class) Implements(typename string) bool {
	return c.typ.implements(typename)
}

// ClassFacet returns the facet of type T attached to c, creating a zero one
// on first use. Facets are copied shallowly into every subclass when the
// subclass is built, so a ClassInit hook sees the values its parent's hooks
// left behind and may override them.
func ClassFacet[T any](c *Class) *T {
	key := reflect.TypeFor[T]()
	if f, ok := c.facets[key]; ok {
		return f.(*T)
	}
	f := new(T)
	c.facets[key] = f
	return f
}

// LookupClassFacet returns the facet of type T if one was attached to c or
// inherited by it.
func LookupClassFacet[T any](c *Class) (*T, bool) {
	f, ok := c.facets[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	return f.(*T), true
}

func cloneFacet(f any) any {
	v := reflect.ValueOf(f).Elem()
	clone := reflect.New(v.Type())
	clone.Elem().Set(v)
	return clone.Interface()
}
