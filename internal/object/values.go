package object

import (
	"fmt"
	"reflect"
	"sort"
)

// TypeUserCreatable is the interface of objects that may be created from
// a textual description and need a completion step once their properties
// are set.
const TypeUserCreatable = "user-creatable"

// Completer is the Go side of TypeUserCreatable.
type Completer interface {
	Instance
	Complete() error
}

func init() {
	TypeInit(func(r *Registry) {
		r.Register(TypeInfo{
			Name:        TypeUserCreatable,
			Parent:      TypeInterface,
			GoInterface: reflect.TypeFor[Completer](),
		})
	})
}

func resolver(obj Instance) PathResolver {
	return obj.Obj().Registry().ResolvePath
}

// SetValue writes a Go value into a property.
func SetValue(obj Instance, name string, val any) error {
	return SetProperty(obj, name, &ValueInput{Value: val, Resolve: resolver(obj)})
}

// GetValue reads a property as a Go value: bool, string, int64, uint64,
// the enum's name, or an Instance.
func GetValue(obj Instance, name string) (any, error) {
	out := &ValueOutput{}
	if err := GetProperty(obj, name, out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

func getAs[T any](obj Instance, name, want string) (T, error) {
	var zero T
	val, err := GetValue(obj, name)
	if err != nil {
		return zero, err
	}
	out, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("object: property %q: expected %s, got %T: %w", name, want, val, ErrInvalidType)
	}
	return out, nil
}

func SetBool(obj Instance, name string, v bool) error { return SetValue(obj, name, v) }

func GetBool(obj Instance, name string) (bool, error) { return getAs[bool](obj, name, "bool") }

// SetStr writes a string property, an enum by name, or a link by path.
func SetStr(obj Instance, name, v string) error { return SetValue(obj, name, v) }

// GetStr reads a string or enum property. Child and link properties read
// as the canonical path of their target.
func GetStr(obj Instance, name string) (string, error) {
	val, err := GetValue(obj, name)
	if err != nil {
		return "", err
	}
	switch v := val.(type) {
	case string:
		return v, nil
	case Instance:
		return CanonicalPath(v), nil
	case nil:
		if p := LookupProperty(obj, name); p != nil && (p.IsLink() || p.IsChild()) {
			return "", nil
		}
	}
	return "", fmt.Errorf("object: property %q: expected string, got %T: %w", name, val, ErrInvalidType)
}

func SetInt(obj Instance, name string, v int64) error { return SetValue(obj, name, v) }

func GetInt(obj Instance, name string) (int64, error) {
	val, err := GetValue(obj, name)
	if err != nil {
		return 0, err
	}
	var out int64
	if err := (&ValueInput{Value: val}).Int(name, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func SetUint(obj Instance, name string, v uint64) error { return SetValue(obj, name, v) }

func GetUint(obj Instance, name string) (uint64, error) {
	val, err := GetValue(obj, name)
	if err != nil {
		return 0, err
	}
	var out uint64
	if err := (&ValueInput{Value: val}).Uint(name, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// GetEnum reads an enum property and returns its index in values.
func GetEnum(obj Instance, name string, values []string) (int, error) {
	s, err := getAs[string](obj, name, "enum")
	if err != nil {
		return 0, err
	}
	return enumIndex(name, s, values)
}

// Parse sets a property from its textual form.
func Parse(obj Instance, name, value string) error {
	return SetProperty(obj, name, &StringInput{Value: value, Resolve: resolver(obj)})
}

// Print renders a property as text. human selects hexadecimal unsigned
// integers.
func Print(obj Instance, name string, human bool) (string, error) {
	out := &StringOutput{Human: human}
	if err := GetProperty(obj, name, out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// SetProps parses every entry of props into obj, in name order, stopping
// at the first failure.
func SetProps(obj Instance, props map[string]string) error {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := Parse(obj, name, props[name]); err != nil {
			return fmt.Errorf("object: set %q on %q: %w", name, obj.Obj().TypeName(), err)
		}
	}
	return nil
}

// NewWithProps creates an instance of typename, applies props and, when
// parent is not nil, attaches it under id. User-creatable objects are
// completed last. On failure nothing is left attached to the tree.
func (r *Registry) NewWithProps(typename string, parent Instance, id string, props map[string]string) (Instance, error) {
	t, ok := r.Lookup(typename)
	if !ok {
		return nil, fmt.Errorf("object: type %q: %w", typename, ErrNotFound)
	}
	if t.IsAbstract() {
		return nil, fmt.Errorf("object: type %q: %w", typename, ErrAbstract)
	}
	obj := t.New()
	if err := SetProps(obj, props); err != nil {
		Unref(obj)
		return nil, err
	}
	if parent != nil {
		if _, err := TryAddChild(parent, id, obj); err != nil {
			Unref(obj)
			return nil, err
		}
	}
	if uc, ok := As[Completer](obj, TypeUserCreatable); ok {
		if err := uc.Complete(); err != nil {
			if parent != nil {
				Unparent(obj)
			}
			Unref(obj)
			return nil, fmt.Errorf("object: complete %q: %w", typename, err)
		}
	}
	if parent != nil {
		Unref(obj)
	}
	return obj, nil
}
