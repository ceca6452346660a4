package object

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Built-in type names.
const (
	TypeObject    = "object"
	TypeInterface = "interface"
	TypeContainer = "container"
)

// TypeInfo describes one object type. It is registered once per name and
// resolved lazily on first use, so registration order does not matter.
type TypeInfo struct {
	Name   string
	Parent string

	// InstanceSize and ClassSize are inherited from the parent when zero and
	// must never shrink along the parent chain.
	InstanceSize uintptr
	ClassSize    uintptr

	Abstract bool

	// New allocates the zeroed Go value backing an instance. Types that add
	// no state inherit their parent's allocator.
	New func() Instance

	InstanceInit     func(obj Instance)
	InstancePostInit func(obj Instance)
	InstanceFinalize func(obj Instance)

	// ClassBaseInit runs on the class of every subtype before that
	// subtype's ClassInit. ClassInit runs once, for this type's own class.
	ClassBaseInit func(c *Class, data any)
	ClassInit     func(c *Class, data any)
	ClassData     any

	Interfaces []string

	// GoInterface is only meaningful for interface types: every instance of
	// an implementing type must satisfy it.
	GoInterface reflect.Type
}

// Type is the resolved form of a registered TypeInfo.
type Type struct {
	info TypeInfo
	reg  *Registry

	resolved  bool
	resolving bool

	parent       *Type
	ancestors    []*Type // self first, root last
	interfaces   []*Type
	names        map[string]struct{}
	instanceSize uintptr
	classSize    uintptr
	alloc        func() Instance
	class        *Class

	cache castCache
}

func (t *Type) Name() string { return t.info.Name }

func (t *Type) Info() TypeInfo { return t.info }

func (t *Type) Registry() *Registry { return t.reg }

func (t *Type) IsAbstract() bool { return t.info.Abstract }

// Parent returns the resolved parent type, nil for a root type.
func (t *Type) Parent() *Type {
	t.resolve()
	return t.parent
}

// Ancestors returns the type chain from this type up to its root.
func (t *Type) Ancestors() []string {
	t.resolve()
	names := make([]string, len(t.ancestors))
	for i, a := range t.ancestors {
		names[i] = a.info.Name
	}
	return names
}

// Interfaces returns the names of all interfaces this type implements,
// including those inherited from its ancestors.
func (t *Type) Interfaces() []string {
	t.resolve()
	names := make([]string, len(t.interfaces))
	for i, iface := range t.interfaces {
		names[i] = iface.info.Name
	}
	return names
}

func (t *Type) InstanceSize() uintptr {
	t.resolve()
	return t.instanceSize
}

func (t *Type) ClassSize() uintptr {
	t.resolve()
	return t.classSize
}

// Class returns the type's class, building it on first use.
func (t *Type) Class() *Class {
	t.resolve()
	return t.class
}

var (
	typeInitMu sync.Mutex
	typeInits  []func(*Registry)
)

// TypeInit queues fn to register types in every registry created
// afterwards. Packages call it from init().
func TypeInit(fn func(r *Registry)) {
	typeInitMu.Lock()
	defer typeInitMu.Unlock()
	typeInits = append(typeInits, fn)
}

// Registry maps type names to types and owns the root of the composition
// tree built from instances of those types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type

	root Instance
}

// NewRegistry returns a registry holding the built-in types plus every type
// queued through TypeInit.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]*Type)}
	r.registerBuiltins()

	typeInitMu.Lock()
	inits := append([]func(*Registry){}, typeInits...)
	typeInitMu.Unlock()
	for _, fn := range inits {
		fn(r)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, created on first access.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) registerBuiltins() {
	r.Register(TypeInfo{
		Name: TypeObject,
		New:  func() Instance { return &Object{} },
	})
	r.Register(TypeInfo{
		Name:     TypeInterface,
		Abstract: true,
	})
	r.Register(TypeInfo{
		Name:   TypeContainer,
		Parent: TypeObject,
	})
}

// Register adds a type. A duplicate name, a missing parent name on a
// non-root type or sizes smaller than an already registered parent's are
// fatal.
func (r *Registry) Register(info TypeInfo) *Type {
	if info.Name == "" {
		Fatalf("type register", "type name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[info.Name]; exists {
		Fatalf("type register", "type %q: %w", info.Name, ErrDuplicate)
	}
	if info.Parent == "" && info.Name != TypeObject && info.Name != TypeInterface {
		Fatalf("type register", "type %q has no parent", info.Name)
	}
	if info.Parent == info.Name {
		Fatalf("type register", "type %q is its own parent", info.Name)
	}
	if parent, ok := r.types[info.Parent]; ok {
		if info.InstanceSize != 0 && info.InstanceSize < parent.info.InstanceSize {
			Fatalf("type register", "type %q instance size %d smaller than parent %q (%d)",
				info.Name, info.InstanceSize, parent.info.Name, parent.info.InstanceSize)
		}
		if info.ClassSize != 0 && info.ClassSize < parent.info.ClassSize {
			Fatalf("type register", "type %q class size %d smaller than parent %q (%d)",
				info.Name, info.ClassSize, parent.info.Name, parent.info.ClassSize)
		}
	}

	info.Interfaces = append([]string(nil), info.Interfaces...)
	t := &Type{info: info, reg: r}
	r.types[info.Name] = t
	return t
}

// RegisterTypes registers each of infos in order.
func (r *Registry) RegisterTypes(infos ...TypeInfo) {
	for _, info := range infos {
		r.Register(info)
	}
}

// Lookup returns the resolved type for name. It reports false when no such
// type is registered; a type that is registered but cannot be resolved is
// still fatal.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	t.resolve()
	return t, true
}

// Resolve returns the resolved type for name, aborting when it is missing.
func (r *Registry) Resolve(name string) *Type {
	t, ok := r.Lookup(name)
	if !ok {
		Fatalf("type resolve", "type %q: %w", name, ErrNotFound)
	}
	return t
}

// ClassByName returns the class of the named type, or nil.
func (r *Registry) ClassByName(name string) *Class {
	t, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return t.class
}

// ListTypes returns the classes of all types implementing (or descending
// from) implements, sorted by name. An empty implements matches every type.
func (r *Registry) ListTypes(implements string, includeAbstract bool) []*Class {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var out []*Class
	for _, name := range names {
		t, ok := r.Lookup(name)
		if !ok {
			continue
		}
		if t.info.Abstract && !includeAbstract {
			continue
		}
		if implements != "" && !t.implements(implements) {
			continue
		}
		out = append(out, t.class)
	}
	return out
}

// ClassForeach calls fn for each class selected as by ListTypes.
func (r *Registry) ClassForeach(implements string, includeAbstract bool, fn func(c *Class)) {
	for _, c := range r.ListTypes(implements, includeAbstract) {
		fn(c)
	}
}

func (r *Registry) lookupUnresolved(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// resolve builds the ancestor chain, the interface set and the class. Every
// parent and interface edge must resolve by now.
func (t *Type) resolve() {
	if t.resolved {
		return
	}
	if t.resolving {
		Fatalf("type resolve", "type %q: parent chain contains a cycle", t.info.Name)
	}
	t.resolving = true
	defer func() { t.resolving = false }()

	t.instanceSize = t.info.InstanceSize
	t.classSize = t.info.ClassSize
	t.alloc = t.info.New

	if t.info.Parent != "" {
		parent, ok := t.reg.lookupUnresolved(t.info.Parent)
		if !ok {
			Fatalf("type resolve", "type %q: parent %q: %w", t.info.Name, t.info.Parent, ErrNotFound)
		}
		parent.resolve()
		t.parent = parent

		if t.instanceSize == 0 {
			t.instanceSize = parent.instanceSize
		} else if t.instanceSize < parent.instanceSize {
			Fatalf("type resolve", "type %q instance size %d smaller than parent %q (%d)",
				t.info.Name, t.instanceSize, parent.info.Name, parent.instanceSize)
		}
		if t.classSize == 0 {
			t.classSize = parent.classSize
		} else if t.classSize < parent.classSize {
			Fatalf("type resolve", "type %q class size %d smaller than parent %q (%d)",
				t.info.Name, t.classSize, parent.info.Name, parent.classSize)
		}
		if t.alloc == nil {
			t.alloc = parent.alloc
		}
	}

	t.ancestors = []*Type{t}
	t.names = map[string]struct{}{t.info.Name: {}}
	if t.parent != nil {
		t.ancestors = append(t.ancestors, t.parent.ancestors...)
		for name := range t.parent.names {
			t.names[name] = struct{}{}
		}
		t.interfaces = append(t.interfaces, t.parent.interfaces...)
	}

	for _, name := range t.info.Interfaces {
		iface, ok := t.reg.lookupUnresolved(name)
		if !ok {
			Fatalf("type resolve", "type %q: interface %q: %w", t.info.Name, name, ErrNotFound)
		}
		iface.resolve()
		if !iface.descendsFrom(TypeInterface) {
			Fatalf("type resolve", "type %q: %q is not an interface", t.info.Name, name)
		}
		if _, dup := t.names[name]; dup {
			continue
		}
		t.interfaces = append(t.interfaces, iface)
		for n := range iface.names {
			t.names[n] = struct{}{}
		}
	}

	// Mark resolved before running class hooks so they may query the type.
	t.class = allocClass(t)
	t.resolved = true
	t.class.init()
}

func (t *Type) descendsFrom(name string) bool {
	for _, a := range t.ancestors {
		if a.info.Name == name {
			return true
		}
	}
	return false
}

func (t *Type) String() string {
	return fmt.Sprintf("type(%s)", t.info.Name)
}
