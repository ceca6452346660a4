package object

import (
	"reflect"
	"sync/atomic"
)

// Instance is implemented by every Go value backing an object. Types embed
// Object to satisfy it.
type Instance interface {
	Obj() *Object
}

// Object is the base of every instance. It must be embedded by value.
type Object struct {
	class  *Class
	self   Instance
	refs   atomic.Uint32
	props  *propertyTable
	parent *Object
	free   func(obj Instance)

	finalized bool
}

func (o *Object) Obj() *Object { return o }

func (o *Object) Class() *Class { return o.class }

func (o *Object) Type() *Type { return o.class.typ }

func (o *Object) TypeName() string {
	if o.class == nil {
		return ""
	}
	return o.class.typ.info.Name
}

func (o *Object) Registry() *Registry { return o.class.typ.reg }

// Self returns the outermost Go value embedding o.
func (o *Object) Self() Instance { return o.self }

// Parent returns the composition-tree parent, or nil.
func (o *Object) Parent() Instance {
	if o.parent == nil {
		return nil
	}
	return o.parent.self
}

func (o *Object) RefCount() uint32 { return o.refs.Load() }

func (o *Object) Finalized() bool { return o.finalized }

// SetFree installs a hook run after finalization instead of leaving the
// storage to the garbage collector.
func (o *Object) SetFree(fn func(obj Instance)) { o.free = fn }

// New creates an instance of typename with a reference count of one.
func (r *Registry) New(typename string) Instance {
	return r.Resolve(typename).New()
}

// New creates an instance of t with a reference count of one. Instance init
// hooks run from the root type down to t, followed by the post-init hooks
// from t up to the root.
func (t *Type) New() Instance {
	t.resolve()
	if t.info.Abstract {
		Fatalf("object new", "type %q: %w", t.info.Name, ErrAbstract)
	}
	if t.alloc == nil {
		Fatalf("object new", "type %q has no allocator", t.info.Name)
	}
	obj := t.alloc()
	t.initialize(obj)
	return obj
}

// Initialize constructs an instance of typename in storage the caller owns,
// typically a struct field of a composite device.
func (r *Registry) Initialize(obj Instance, typename string) {
	t := r.Resolve(typename)
	if t.info.Abstract {
		Fatalf("object initialize", "type %q: %w", typename, ErrAbstract)
	}
	t.initialize(obj)
}

func (t *Type) initialize(obj Instance) {
	o := obj.Obj()
	if o == nil {
		Fatalf("object initialize", "type %q: allocator returned no object", t.info.Name)
	}
	if o.class != nil {
		Fatalf("object initialize", "instance of %q initialized twice", o.TypeName())
	}

	goType := reflect.TypeOf(obj)
	for _, iface := range t.interfaces {
		if gi := iface.info.GoInterface; gi != nil && !goType.Implements(gi) {
			Fatalf("object initialize", "type %q lists interface %q but %v does not implement %v",
				t.info.Name, iface.info.Name, goType, gi)
		}
	}

	o.class = t.class
	o.self = obj
	o.refs.Store(1)
	o.props = newPropertyTable()

	o.initClassPropertyDefaults()
	for i := len(t.ancestors) - 1; i >= 0; i-- {
		if init := t.ancestors[i].info.InstanceInit; init != nil {
			init(obj)
		}
	}
	for _, a := range t.ancestors {
		if post := a.info.InstancePostInit; post != nil {
			post(obj)
		}
	}
}

// Ref takes an additional reference on obj.
func Ref(obj Instance) Instance {
	o := obj.Obj()
	if o.finalized {
		Fatalf("object ref", "instance of %q already finalized", o.TypeName())
	}
	o.refs.Add(1)
	return obj
}

// Unref drops a reference. Dropping the last one removes every property,
// which unparents and releases children, then runs the finalize hooks from
// the most derived type up to the root.
func Unref(obj Instance) {
	if obj == nil {
		return
	}
	o := obj.Obj()
	for {
		cur := o.refs.Load()
		if cur == 0 {
			Fatalf("object unref", "reference count underflow on %q", o.TypeName())
		}
		if o.refs.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				o.finalize()
			}
			return
		}
	}
}

func (o *Object) finalize() {
	if o.parent != nil {
		Fatalf("object finalize", "instance of %q finalized while still parented", o.TypeName())
	}
	o.deleteAllProperties()
	for _, a := range o.class.typ.ancestors {
		if fin := a.info.InstanceFinalize; fin != nil {
			fin(o.self)
		}
	}
	o.finalized = true
	if o.free != nil {
		o.free(o.self)
	}
}

// Unparent removes obj from the composition tree. The child property that
// held it is deleted, which releases the tree's reference.
func Unparent(obj Instance) {
	o := obj.Obj()
	if o.parent == nil {
		return
	}
	o.parent.deleteChildProperty(o)
}
