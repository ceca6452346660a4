package object

import (
	"fmt"
	"iter"
	"strings"
)

// Accessor reads or writes one property value through v. Getters call the
// visitor with a pointer to the current value, setters with a pointer that
// the visitor fills in.
type Accessor func(obj Instance, v Visitor, name string, opaque any) error

// Property is a named, typed attribute attached to an instance or a class.
type Property struct {
	Name        string
	Type        string
	Description string

	Get     Accessor
	Set     Accessor
	Resolve func(obj Instance, opaque any, part string) Instance
	Release func(obj Instance, name string, opaque any)

	// Init runs for class properties on every new instance, before any
	// instance init hook.
	Init func(obj Instance, p *Property)

	Opaque  any
	Default any
}

// IsChild reports whether p is a composition-tree edge.
func (p *Property) IsChild() bool { return strings.HasPrefix(p.Type, "child<") }

// IsLink reports whether p is a link to another instance.
func (p *Property) IsLink() bool { return strings.HasPrefix(p.Type, "link<") }

// SetDefault records the value every new instance starts with. Only class
// properties apply it automatically.
func (p *Property) SetDefault(v any) *Property {
	p.Default = v
	p.Init = func(obj Instance, p *Property) {
		if p.Set == nil {
			return
		}
		if err := p.Set(obj, &ValueInput{Value: p.Default}, p.Name, p.Opaque); err != nil {
			Fatalf("property init", "default for %q on %q: %v", p.Name, obj.Obj().TypeName(), err)
		}
	}
	return p
}

func (p *Property) SetDescription(desc string) *Property {
	p.Description = desc
	return p
}

type propertyTable struct {
	byName map[string]*Property
	order  []*Property
}

func newPropertyTable() *propertyTable {
	return &propertyTable{byName: make(map[string]*Property)}
}

func (pt *propertyTable) get(name string) *Property { return pt.byName[name] }

func (pt *propertyTable) add(p *Property) {
	pt.byName[p.Name] = p
	pt.order = append(pt.order, p)
}

func (pt *propertyTable) remove(name string) *Property {
	p, ok := pt.byName[name]
	if !ok {
		return nil
	}
	delete(pt.byName, name)
	for i, q := range pt.order {
		if q == p {
			pt.order = append(pt.order[:i], pt.order[i+1:]...)
			break
		}
	}
	return p
}

func (pt *propertyTable) list() []*Property {
	return append([]*Property(nil), pt.order...)
}

func (c *Class) findProperty(name string) *Property {
	for k := c; k != nil; k = k.parent {
		if p := k.props.get(name); p != nil {
			return p
		}
	}
	return nil
}

// expandIndex replaces a trailing "[*]" with the first free index.
func expandIndex(name string, taken func(string) bool) (string, error) {
	base, ok := strings.CutSuffix(name, "[*]")
	if !ok {
		if taken(name) {
			return "", ErrDuplicate
		}
		return name, nil
	}
	for i := 0; i < 1<<15; i++ {
		candidate := fmt.Sprintf("%s[%d]", base, i)
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free index for %q: %w", name, ErrDuplicate)
}

// TryAddProperty attaches p to obj. A name ending in "[*]" is given the
// first free index. The name must not already exist on the instance or any
// class in its hierarchy.
func TryAddProperty(obj Instance, p *Property) (*Property, error) {
	o := obj.Obj()
	name, err := expandIndex(p.Name, func(n string) bool {
		return o.props.get(n) != nil || o.class.findProperty(n) != nil
	})
	if err != nil {
		return nil, fmt.Errorf("object: add property %q to %q: %w", p.Name, o.TypeName(), err)
	}
	p.Name = name
	o.props.add(p)
	return p, nil
}

// AddProperty is TryAddProperty for callers that cannot recover from a
// name collision.
func AddProperty(obj Instance, p *Property) *Property {
	out, err := TryAddProperty(obj, p)
	if err != nil {
		Fatalf("property add", "%w", err)
	}
	return out
}

// TryClassAddProperty attaches p to a class. Every instance of the class
// and its subclasses sees it.
func TryClassAddProperty(c *Class, p *Property) (*Property, error) {
	name, err := expandIndex(p.Name, func(n string) bool { return c.findProperty(n) != nil })
	if err != nil {
		return nil, fmt.Errorf("object: add class property %q to %q: %w", p.Name, c.Name(), err)
	}
	p.Name = name
	c.props.add(p)
	return p, nil
}

func ClassAddProperty(c *Class, p *Property) *Property {
	out, err := TryClassAddProperty(c, p)
	if err != nil {
		Fatalf("class property add", "%w", err)
	}
	return out
}

// FindProperty looks name up on the instance first and then on its class
// hierarchy, most derived class first.
func FindProperty(obj Instance, name string) (*Property, error) {
	o := obj.Obj()
	if p := o.props.get(name); p != nil {
		return p, nil
	}
	if p := o.class.findProperty(name); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("object: property %q on %q: %w", name, o.TypeName(), ErrNotFound)
}

// LookupProperty is FindProperty without the error.
func LookupProperty(obj Instance, name string) *Property {
	p, _ := FindProperty(obj, name)
	return p
}

// ClassFindProperty looks name up on c and its ancestors.
func ClassFindProperty(c *Class, name string) (*Property, error) {
	if p := c.findProperty(name); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("object: class property %q on %q: %w", name, c.Name(), ErrNotFound)
}

// DeleteProperty removes an instance property, running its release hook.
// The hook runs while the property is still attached, so a child being
// released keeps its canonical path until it is gone. Class properties
// cannot be deleted.
func DeleteProperty(obj Instance, name string) error {
	o := obj.Obj()
	p := o.props.get(name)
	if p == nil {
		return fmt.Errorf("object: delete property %q on %q: %w", name, o.TypeName(), ErrNotFound)
	}
	o.releaseProperty(p)
	return nil
}

// releaseProperty runs the release hook of p and then drops p from the
// table, unless the hook already did.
func (o *Object) releaseProperty(p *Property) {
	if p.Release != nil {
		p.Release(o.self, p.Name, p.Opaque)
	}
	if o.props.get(p.Name) == p {
		o.props.remove(p.Name)
	}
}

// Properties returns the instance properties in insertion order followed
// by the class properties, most derived class first.
func Properties(obj Instance) []*Property {
	o := obj.Obj()
	out := o.props.list()
	for k := o.class; k != nil; k = k.parent {
		out = append(out, k.props.list()...)
	}
	return out
}

// PropertyIter yields the same properties as Properties without
// collecting them first. Properties added during iteration to a table not
// yet visited are seen.
func PropertyIter(obj Instance) iter.Seq[*Property] {
	return func(yield func(*Property) bool) {
		o := obj.Obj()
		for _, p := range o.props.list() {
			if !yield(p) {
				return
			}
		}
		for k := o.class; k != nil; k = k.parent {
			for _, p := range k.props.list() {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// ClassProperties returns the properties of c and its ancestors.
func ClassProperties(c *Class) []*Property {
	var out []*Property
	for k := c; k != nil; k = k.parent {
		out = append(out, k.props.list()...)
	}
	return out
}

// GetProperty runs the getter of name, handing the value to v.
func GetProperty(obj Instance, name string, v Visitor) error {
	p, err := FindProperty(obj, name)
	if err != nil {
		return err
	}
	if p.Get == nil {
		return fmt.Errorf("object: property %q on %q is not readable: %w", name, obj.Obj().TypeName(), ErrPermission)
	}
	return p.Get(obj, v, p.Name, p.Opaque)
}

// SetProperty runs the setter of name, taking the value from v.
func SetProperty(obj Instance, name string, v Visitor) error {
	p, err := FindProperty(obj, name)
	if err != nil {
		return err
	}
	if p.Set == nil {
		return fmt.Errorf("object: property %q on %q is not writable: %w", name, obj.Obj().TypeName(), ErrPermission)
	}
	return p.Set(obj, v, p.Name, p.Opaque)
}

func (o *Object) initClassPropertyDefaults() {
	chain := o.class.typ.ancestors
	for i := len(chain) - 1; i >= 0; i-- {
		for _, p := range chain[i].class.props.order {
			if p.Init != nil {
				p.Init(o.self, p)
			}
		}
	}
}

// deleteAllProperties releases instance properties until none remain.
// Release hooks may add or remove properties, so the table is re-read
// after each one.
func (o *Object) deleteAllProperties() {
	for len(o.props.order) > 0 {
		o.releaseProperty(o.props.order[0])
	}
}

func (o *Object) deleteChildProperty(child *Object) {
	for _, p := range o.props.order {
		if !p.IsChild() {
			continue
		}
		if inst, ok := p.Opaque.(Instance); ok && inst.Obj() == child {
			if err := DeleteProperty(o.self, p.Name); err != nil {
				Fatalf("object unparent", "%w", err)
			}
			return
		}
	}
}
