package qdev

import (
	"fmt"

	"github.com/tinyrange/qdev/internal/object"
)

// Prop declares one configurable device property. Device classes list
// their props with DeviceClassSetProps; every instance starts with the
// default, and the value is frozen once the device is realized.
type Prop struct {
	Name        string
	Description string

	build func() *object.Property
	def   any
}

// WithDescription returns p with a help text.
func (p Prop) WithDescription(desc string) Prop {
	p.Description = desc
	return p
}

// PropBool declares a bool property stored in the field returned by field.
func PropBool[D DeviceInstance](name string, field func(D) *bool, def bool) Prop {
	return Prop{
		Name: name,
		def:  def,
		build: func() *object.Property {
			return &object.Property{
				Name: name,
				Type: "bool",
				Get: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					val := *field(obj.(D))
					return v.Bool(name, &val)
				},
				Set: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					return v.Bool(name, field(obj.(D)))
				},
			}
		},
	}
}

// PropString declares a string property.
func PropString[D DeviceInstance](name string, field func(D) *string, def string) Prop {
	return Prop{
		Name: name,
		def:  def,
		build: func() *object.Property {
			return &object.Property{
				Name: name,
				Type: "string",
				Get: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					val := *field(obj.(D))
					return v.String(name, &val)
				},
				Set: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					return v.String(name, field(obj.(D)))
				},
			}
		},
	}
}

// PropUint declares an unsigned property of the width of T. Values that
// do not fit are rejected.
func PropUint[D DeviceInstance, T object.Unsigned](name string, field func(D) *T, def T) Prop {
	return Prop{
		Name: name,
		def:  def,
		build: func() *object.Property {
			return object.UintPtrProperty(name, func(obj object.Instance) *T { return field(obj.(D)) }, object.PropReadWrite)
		},
	}
}

// PropEnum declares a property taking one of values, stored as its index.
func PropEnum[D DeviceInstance](name, typename string, values []string, field func(D) *int, def int) Prop {
	return Prop{
		Name: name,
		def:  values[def],
		build: func() *object.Property {
			return &object.Property{
				Name: name,
				Type: typename,
				Get: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					val := *field(obj.(D))
					return v.Enum(name, &val, values)
				},
				Set: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					return v.Enum(name, field(obj.(D)), values)
				},
			}
		},
	}
}

// PropLink declares a weak link to an object of typename. Links have no
// default.
func PropLink[D DeviceInstance, T object.Instance](name, typename string, field func(D) *T) Prop {
	return Prop{
		Name: name,
		build: func() *object.Property {
			return &object.Property{
				Name: name,
				Type: "link<" + typename + ">",
				Get: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					var target object.Instance
					var zero T
					if cur := *field(obj.(D)); any(cur) != any(zero) {
						target = cur
					}
					return v.Link(name, &target)
				},
				Set: func(obj object.Instance, v object.Visitor, name string, _ any) error {
					var target object.Instance
					if err := v.Link(name, &target); err != nil {
						return err
					}
					var typed T
					if target != nil {
						cast, ok := object.As[T](target, typename)
						if !ok {
							return fmt.Errorf("qdev: link %q: %q is not a %q: %w",
								name, target.Obj().TypeName(), typename, object.ErrInvalidType)
						}
						typed = cast
					}
					*field(obj.(D)) = typed
					return nil
				},
			}
		},
	}
}

// DeviceClassSetProps adds props to the device class c.
func DeviceClassSetProps(c *object.Class, props ...Prop) {
	for _, prop := range props {
		p := prop.build()
		if prop.Description != "" {
			p.Description = prop.Description
		}
		set := p.Set
		p.Set = func(obj object.Instance, v object.Visitor, name string, opaque any) error {
			if obj.(DeviceInstance).QDev().realized {
				return fmt.Errorf("qdev: %q on %q cannot be set after realize: %w",
					name, object.CanonicalPath(obj), object.ErrPermission)
			}
			return set(obj, v, name, opaque)
		}
		if prop.def != nil {
			p.SetDefault(prop.def)
		}
		object.ClassAddProperty(c, p)
	}
}
