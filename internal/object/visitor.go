package object

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Visitor moves one property value between a caller's representation and
// the typed field behind a property accessor. Input visitors supply values
// to setters, output visitors collect values from getters.
type Visitor interface {
	Input() bool

	Bool(name string, v *bool) error
	String(name string, v *string) error
	Int(name string, v *int64) error
	Uint(name string, v *uint64) error
	Enum(name string, v *int, values []string) error
	Link(name string, v *Instance) error
}

// PathResolver turns a path into an instance for link-valued input.
type PathResolver func(path string) (Instance, error)

func invalid(name string, want string, got any) error {
	return fmt.Errorf("property %q: expected %s, got %T: %w", name, want, got, ErrInvalidType)
}

func enumIndex(name string, s string, values []string) (int, error) {
	for i, v := range values {
		if v == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("property %q: %q is not one of %s: %w",
		name, s, strings.Join(values, ", "), ErrInvalidType)
}

func enumName(name string, idx int, values []string) (string, error) {
	if idx < 0 || idx >= len(values) {
		return "", fmt.Errorf("property %q: enum index %d out of range: %w", name, idx, ErrInvalidType)
	}
	return values[idx], nil
}

// ValueInput supplies a single Go value.
type ValueInput struct {
	Value   any
	Resolve PathResolver
}

func NewValueInput(v any) *ValueInput { return &ValueInput{Value: v} }

func (vi *ValueInput) Input() bool { return true }

func (vi *ValueInput) Bool(name string, v *bool) error {
	b, ok := vi.Value.(bool)
	if !ok {
		return invalid(name, "bool", vi.Value)
	}
	*v = b
	return nil
}

func (vi *ValueInput) String(name string, v *string) error {
	s, ok := vi.Value.(string)
	if !ok {
		return invalid(name, "string", vi.Value)
	}
	*v = s
	return nil
}

func (vi *ValueInput) Int(name string, v *int64) error {
	rv := reflect.ValueOf(vi.Value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		*v = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if rv.Uint() > math.MaxInt64 {
			return fmt.Errorf("property %q: %d overflows int64: %w", name, rv.Uint(), ErrInvalidType)
		}
		*v = int64(rv.Uint())
	default:
		return invalid(name, "integer", vi.Value)
	}
	return nil
}

func (vi *ValueInput) Uint(name string, v *uint64) error {
	rv := reflect.ValueOf(vi.Value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return fmt.Errorf("property %q: %d is negative: %w", name, rv.Int(), ErrInvalidType)
		}
		*v = uint64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		*v = rv.Uint()
	default:
		return invalid(name, "integer", vi.Value)
	}
	return nil
}

func (vi *ValueInput) Enum(name string, v *int, values []string) error {
	switch val := vi.Value.(type) {
	case string:
		idx, err := enumIndex(name, val, values)
		if err != nil {
			return err
		}
		*v = idx
	case int:
		if _, err := enumName(name, val, values); err != nil {
			return err
		}
		*v = val
	default:
		return invalid(name, "enum", vi.Value)
	}
	return nil
}

func (vi *ValueInput) Link(name string, v *Instance) error {
	switch val := vi.Value.(type) {
	case nil:
		*v = nil
	case Instance:
		if isNil(val) {
			*v = nil
		} else {
			*v = val
		}
	case string:
		if val == "" {
			*v = nil
			return nil
		}
		if vi.Resolve == nil {
			return invalid(name, "object", vi.Value)
		}
		obj, err := vi.Resolve(val)
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		*v = obj
	default:
		return invalid(name, "object", vi.Value)
	}
	return nil
}

// ValueOutput collects a single Go value: bool, string, int64, uint64, the
// enum's string name, or an Instance.
type ValueOutput struct {
	Value any
}

func (vo *ValueOutput) Input() bool { return false }

func (vo *ValueOutput) Bool(name string, v *bool) error {
	vo.Value = *v
	return nil
}

func (vo *ValueOutput) String(name string, v *string) error {
	vo.Value = *v
	return nil
}

func (vo *ValueOutput) Int(name string, v *int64) error {
	vo.Value = *v
	return nil
}

func (vo *ValueOutput) Uint(name string, v *uint64) error {
	vo.Value = *v
	return nil
}

func (vo *ValueOutput) Enum(name string, v *int, values []string) error {
	s, err := enumName(name, *v, values)
	if err != nil {
		return err
	}
	vo.Value = s
	return nil
}

func (vo *ValueOutput) Link(name string, v *Instance) error {
	vo.Value = *v
	return nil
}

// StringInput parses a textual value, as supplied on a command line or in
// a machine description.
type StringInput struct {
	Value   string
	Resolve PathResolver
}

func (si *StringInput) Input() bool { return true }

func (si *StringInput) Bool(name string, v *bool) error {
	switch strings.ToLower(si.Value) {
	case "on", "yes", "true", "1":
		*v = true
	case "off", "no", "false", "0":
		*v = false
	default:
		return fmt.Errorf("property %q: %q is not a boolean: %w", name, si.Value, ErrInvalidType)
	}
	return nil
}

func (si *StringInput) String(name string, v *string) error {
	*v = si.Value
	return nil
}

func (si *StringInput) Int(name string, v *int64) error {
	n, err := strconv.ParseInt(si.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("property %q: %v: %w", name, err, ErrInvalidType)
	}
	*v = n
	return nil
}

func (si *StringInput) Uint(name string, v *uint64) error {
	n, err := strconv.ParseUint(si.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("property %q: %v: %w", name, err, ErrInvalidType)
	}
	*v = n
	return nil
}

func (si *StringInput) Enum(name string, v *int, values []string) error {
	idx, err := enumIndex(name, si.Value, values)
	if err != nil {
		return err
	}
	*v = idx
	return nil
}

func (si *StringInput) Link(name string, v *Instance) error {
	return (&ValueInput{Value: si.Value, Resolve: si.Resolve}).Link(name, v)
}

// StringOutput renders a value as text. Links render as canonical paths.
type StringOutput struct {
	Value string
	// Human selects hexadecimal for unsigned integers.
	Human bool
}

func (so *StringOutput) Input() bool { return false }

func (so *StringOutput) Bool(name string, v *bool) error {
	so.Value = strconv.FormatBool(*v)
	return nil
}

func (so *StringOutput) String(name string, v *string) error {
	so.Value = *v
	return nil
}

func (so *StringOutput) Int(name string, v *int64) error {
	so.Value = strconv.FormatInt(*v, 10)
	return nil
}

func (so *StringOutput) Uint(name string, v *uint64) error {
	if so.Human {
		so.Value = fmt.Sprintf("0x%x", *v)
		return nil
	}
	so.Value = strconv.FormatUint(*v, 10)
	return nil
}

func (so *StringOutput) Enum(name string, v *int, values []string) error {
	s, err := enumName(name, *v, values)
	if err != nil {
		return err
	}
	so.Value = s
	return nil
}

func (so *StringOutput) Link(name string, v *Instance) error {
	if *v == nil {
		so.Value = ""
		return nil
	}
	so.Value = CanonicalPath(*v)
	return nil
}
