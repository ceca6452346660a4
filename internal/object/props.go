package object

import (
	"fmt"
	"math"
)

// PropFlags selects which accessors a pointer-backed property gets.
type PropFlags int

const (
	PropRead PropFlags = 1 << iota
	PropWrite

	PropReadWrite = PropRead | PropWrite
)

func boolProperty(name string, get func(Instance) bool, set func(Instance, bool) error) *Property {
	p := &Property{Name: name, Type: "bool"}
	if get != nil {
		p.Get = func(obj Instance, v Visitor, name string, _ any) error {
			val := get(obj)
			return v.Bool(name, &val)
		}
	}
	if set != nil {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var val bool
			if err := v.Bool(name, &val); err != nil {
				return err
			}
			return set(obj, val)
		}
	}
	return p
}

// AddBool adds a boolean property backed by get and set. A nil setter
// makes it read-only.
func AddBool(obj Instance, name string, get func(Instance) bool, set func(Instance, bool) error) *Property {
	return AddProperty(obj, boolProperty(name, get, set))
}

func ClassAddBool(c *Class, name string, get func(Instance) bool, set func(Instance, bool) error) *Property {
	return ClassAddProperty(c, boolProperty(name, get, set))
}

func strProperty(name string, get func(Instance) string, set func(Instance, string) error) *Property {
	p := &Property{Name: name, Type: "string"}
	if get != nil {
		p.Get = func(obj Instance, v Visitor, name string, _ any) error {
			val := get(obj)
			return v.String(name, &val)
		}
	}
	if set != nil {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var val string
			if err := v.String(name, &val); err != nil {
				return err
			}
			return set(obj, val)
		}
	}
	return p
}

func AddStr(obj Instance, name string, get func(Instance) string, set func(Instance, string) error) *Property {
	return AddProperty(obj, strProperty(name, get, set))
}

func ClassAddStr(c *Class, name string, get func(Instance) string, set func(Instance, string) error) *Property {
	return ClassAddProperty(c, strProperty(name, get, set))
}

func enumProperty(name, typename string, values []string, get func(Instance) int, set func(Instance, int) error) *Property {
	p := &Property{Name: name, Type: typename}
	if get != nil {
		p.Get = func(obj Instance, v Visitor, name string, _ any) error {
			val := get(obj)
			return v.Enum(name, &val, values)
		}
	}
	if set != nil {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var val int
			if err := v.Enum(name, &val, values); err != nil {
				return err
			}
			return set(obj, val)
		}
	}
	return p
}

// AddEnum adds a property whose values are indices into values, read and
// written by name.
func AddEnum(obj Instance, name, typename string, values []string, get func(Instance) int, set func(Instance, int) error) *Property {
	return AddProperty(obj, enumProperty(name, typename, values, get, set))
}

func ClassAddEnum(c *Class, name, typename string, values []string, get func(Instance) int, set func(Instance, int) error) *Property {
	return ClassAddProperty(c, enumProperty(name, typename, values, get, set))
}

func intProperty(name string, get func(Instance) int64, set func(Instance, int64) error) *Property {
	p := &Property{Name: name, Type: "int"}
	if get != nil {
		p.Get = func(obj Instance, v Visitor, name string, _ any) error {
			val := get(obj)
			return v.Int(name, &val)
		}
	}
	if set != nil {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var val int64
			if err := v.Int(name, &val); err != nil {
				return err
			}
			return set(obj, val)
		}
	}
	return p
}

func AddInt(obj Instance, name string, get func(Instance) int64, set func(Instance, int64) error) *Property {
	return AddProperty(obj, intProperty(name, get, set))
}

func ClassAddInt(c *Class, name string, get func(Instance) int64, set func(Instance, int64) error) *Property {
	return ClassAddProperty(c, intProperty(name, get, set))
}

// Unsigned is the set of integer types a pointer-backed property can wrap.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func maxOf[T Unsigned]() uint64 {
	var zero T
	return uint64(^zero)
}

func uintTypeName[T Unsigned]() string {
	switch maxOf[T]() {
	case math.MaxUint8:
		return "uint8"
	case math.MaxUint16:
		return "uint16"
	case math.MaxUint32:
		return "uint32"
	}
	return "uint64"
}

func uintPtrProperty[T Unsigned](name string, field func(Instance) *T, flags PropFlags) *Property {
	p := &Property{Name: name, Type: uintTypeName[T]()}
	if flags&PropRead != 0 {
		p.Get = func(obj Instance, v Visitor, name string, _ any) error {
			val := uint64(*field(obj))
			return v.Uint(name, &val)
		}
	}
	if flags&PropWrite != 0 {
		p.Set = func(obj Instance, v Visitor, name string, _ any) error {
			var val uint64
			if err := v.Uint(name, &val); err != nil {
				return err
			}
			if val > maxOf[T]() {
				return fmt.Errorf("property %q: %d exceeds %s range: %w", name, val, uintTypeName[T](), ErrInvalidType)
			}
			*field(obj) = T(val)
			return nil
		}
	}
	return p
}

// UintPtrProperty builds an unattached unsigned property over field, for
// callers that wrap the accessors before adding it.
func UintPtrProperty[T Unsigned](name string, field func(Instance) *T, flags PropFlags) *Property {
	return uintPtrProperty(name, field, flags)
}

// AddUintPtr exposes an unsigned integer field of obj as a property.
func AddUintPtr[T Unsigned](obj Instance, name string, ptr *T, flags PropFlags) *Property {
	return AddProperty(obj, uintPtrProperty(name, func(Instance) *T { return ptr }, flags))
}

// ClassAddUintPtr exposes an unsigned integer field of every instance.
// field maps an instance to the field's address.
func ClassAddUintPtr[T Unsigned](c *Class, name string, field func(Instance) *T, flags PropFlags) *Property {
	return ClassAddProperty(c, uintPtrProperty(name, field, flags))
}

// AddAlias makes name on obj forward to targetName on target. Aliases of
// child properties are exposed as links.
func AddAlias(obj Instance, name string, target Instance, targetName string) (*Property, error) {
	tp, err := FindProperty(target, targetName)
	if err != nil {
		return nil, err
	}
	typ := tp.Type
	if tp.IsChild() {
		typ = "link" + typ[len("child"):]
	}
	p := &Property{
		Name:        name,
		Type:        typ,
		Description: tp.Description,
	}
	if tp.Get != nil {
		p.Get = func(_ Instance, v Visitor, name string, _ any) error {
			return GetProperty(target, targetName, v)
		}
	}
	if tp.Set != nil {
		p.Set = func(_ Instance, v Visitor, name string, _ any) error {
			return SetProperty(target, targetName, v)
		}
	}
	p.Resolve = func(_ Instance, _ any, _ string) Instance {
		return ResolvePathComponent(target, targetName)
	}
	return TryAddProperty(obj, p)
}

// AddConstLink adds a read-only link that always points at target.
func AddConstLink(obj Instance, name string, target Instance) *Property {
	return AddProperty(obj, &Property{
		Name:   name,
		Type:   "link<" + target.Obj().TypeName() + ">",
		Opaque: target,
		Get: func(_ Instance, v Visitor, name string, _ any) error {
			t := target
			return v.Link(name, &t)
		},
		Resolve: func(_ Instance, _ any, _ string) Instance { return target },
	})
}
