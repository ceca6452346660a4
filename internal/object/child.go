package object

import (
	"fmt"
	"reflect"
)

// TryAddChild makes child a composition-tree child of parent under name.
// The property takes its own reference on child, released when the
// property is deleted.
func TryAddChild(parent Instance, name string, child Instance) (*Property, error) {
	c := child.Obj()
	if c.parent != nil {
		return nil, fmt.Errorf("object: add child %q to %q: %w", name, parent.Obj().TypeName(), ErrAlreadyParented)
	}
	p, err := TryAddProperty(parent, &Property{
		Name:   name,
		Type:   "child<" + c.TypeName() + ">",
		Opaque: c.self,
		Get: func(_ Instance, v Visitor, name string, opaque any) error {
			inst := opaque.(Instance)
			return v.Link(name, &inst)
		},
		Resolve: func(_ Instance, opaque any, _ string) Instance { return opaque.(Instance) },
		Release: releaseChild,
	})
	if err != nil {
		return nil, err
	}
	Ref(child)
	c.parent = parent.Obj()
	return p, nil
}

// AddChild is TryAddChild for callers that cannot recover from a failure.
func AddChild(parent Instance, name string, child Instance) *Property {
	p, err := TryAddChild(parent, name, child)
	if err != nil {
		Fatalf("object add child", "%w", err)
	}
	return p
}

func releaseChild(_ Instance, _ string, opaque any) {
	child := opaque.(Instance)
	c := child.Obj()
	if c.class.Unparent != nil {
		c.class.Unparent(child)
	}
	c.parent = nil
	Unref(child)
}

// NewChild creates an instance of typename and attaches it to parent. The
// tree holds the only reference.
func NewChild(parent Instance, name, typename string) Instance {
	obj := parent.Obj().Registry().New(typename)
	AddChild(parent, name, obj)
	Unref(obj)
	return obj
}

// LinkFlags modifies link ownership.
type LinkFlags int

const (
	// LinkStrong makes the link hold a reference on its target.
	LinkStrong LinkFlags = 1 << iota
)

// LinkCheck validates a new link target before it is stored. A nil check
// makes the link read-only.
type LinkCheck func(obj Instance, name string, target Instance) error

// AllowSetLink accepts any target of the right type.
func AllowSetLink(Instance, string, Instance) error { return nil }

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func slotInstance[T Instance](slot *T) Instance {
	if isNil(*slot) {
		return nil
	}
	return *slot
}

// AddLink adds a link property of type "link<typename>" stored in slot.
// Targets must cast to typename and to the Go type T. A target that has
// been finalized reads back as ErrStaleLink.
func AddLink[T Instance](obj Instance, name, typename string, slot *T, check LinkCheck, flags LinkFlags) *Property {
	p, err := TryAddLink(obj, name, typename, slot, check, flags)
	if err != nil {
		Fatalf("object add link", "%w", err)
	}
	return p
}

func TryAddLink[T Instance](obj Instance, name, typename string, slot *T, check LinkCheck, flags LinkFlags) (*Property, error) {
	p := &Property{
		Name: name,
		Type: "link<" + typename + ">",
		Get: func(_ Instance, v Visitor, name string, _ any) error {
			target := slotInstance(slot)
			if target != nil && target.Obj().finalized {
				return fmt.Errorf("object: link %q: %w", name, ErrStaleLink)
			}
			return v.Link(name, &target)
		},
		Resolve: func(_ Instance, _ any, _ string) Instance {
			target := slotInstance(slot)
			if target == nil || target.Obj().finalized {
				return nil
			}
			return target
		},
	}
	if check != nil {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var target Instance
			if err := v.Link(name, &target); err != nil {
				return err
			}
			var typed T
			if target != nil {
				cast := DynamicCast(target, typename)
				if cast == nil {
					return fmt.Errorf("object: link %q: %q is not a %q: %w",
						name, target.Obj().TypeName(), typename, ErrInvalidType)
				}
				var ok bool
				if typed, ok = cast.(T); !ok {
					return fmt.Errorf("object: link %q: %T is not %T: %w", name, cast, typed, ErrInvalidType)
				}
			}
			if err := check(obj, name, target); err != nil {
				return err
			}
			old := slotInstance(slot)
			*slot = typed
			if flags&LinkStrong != 0 {
				if target != nil {
					Ref(target)
				}
				if old != nil {
					Unref(old)
				}
			}
			return nil
		}
	}
	if flags&LinkStrong != 0 {
		p.Release = func(Instance, string, any) {
			if old := slotInstance(slot); old != nil {
				var zero T
				*slot = zero
				Unref(old)
			}
		}
	}
	return TryAddProperty(obj, p)
}

// SetLink points the link property name at target.
func SetLink(obj Instance, name string, target Instance) error {
	return SetProperty(obj, name, &ValueInput{Value: target})
}

// GetLink returns the target of a link or child property.
func GetLink(obj Instance, name string) (Instance, error) {
	out := &ValueOutput{}
	if err := GetProperty(obj, name, out); err != nil {
		return nil, err
	}
	inst, ok := out.Value.(Instance)
	if !ok && out.Value != nil {
		return nil, fmt.Errorf("object: property %q is not a link: %w", name, ErrInvalidType)
	}
	return inst, nil
}

// ForeachChild calls fn for each direct child of obj in attach order and
// returns the first error fn reports.
func ForeachChild(obj Instance, fn func(child Instance) error) error {
	for _, p := range obj.Obj().props.list() {
		if !p.IsChild() {
			continue
		}
		if err := fn(p.Opaque.(Instance)); err != nil {
			return err
		}
	}
	return nil
}

// ForeachChildRecursive visits every descendant depth first, each child
// before its own children, stopping at the first error.
func ForeachChildRecursive(obj Instance, fn func(child Instance) error) error {
	return ForeachChild(obj, func(child Instance) error {
		if err := fn(child); err != nil {
			return err
		}
		return ForeachChildRecursive(child, fn)
	})
}

// Children returns the direct children of obj in attach order.
func Children(obj Instance) []Instance {
	var out []Instance
	_ = ForeachChild(obj, func(child Instance) error {
		out = append(out, child)
		return nil
	})
	return out
}
