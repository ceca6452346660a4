package object

import "sync"

const castCacheSize = 4

// castCache remembers the last few cast targets requested against a type,
// positive and negative.
type castCache struct {
	mu      sync.Mutex
	names   [castCacheSize]string
	results [castCacheSize]bool
	hits    uint64
}

func (c *castCache) lookup(name string) (result, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.names {
		if c.names[i] == name && name != "" {
			c.hits++
			return c.results[i], true
		}
	}
	return false, false
}

func (c *castCache) store(name string, result bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.names[:], c.names[1:])
	copy(c.results[:], c.results[1:])
	c.names[castCacheSize-1] = name
	c.results[castCacheSize-1] = result
}

func (t *Type) implements(name string) bool {
	if result, ok := t.cache.lookup(name); ok {
		return result
	}
	_, result := t.names[name]
	t.cache.store(name, result)
	return result
}

// DynamicCast returns obj's outermost instance when its type is, descends
// from, or implements typename, and nil otherwise.
func DynamicCast(obj Instance, typename string) Instance {
	if obj == nil {
		return nil
	}
	o := obj.Obj()
	if o == nil || o.class == nil {
		return nil
	}
	if !o.class.typ.implements(typename) {
		return nil
	}
	return o.self
}

// CastAssert is DynamicCast for callers that know the cast must succeed.
func CastAssert(obj Instance, typename string) Instance {
	out := DynamicCast(obj, typename)
	if out == nil {
		got := "<nil>"
		if obj != nil && obj.Obj() != nil && obj.Obj().class != nil {
			got = obj.Obj().class.Name()
		}
		Fatalf("object cast", "object of type %q is not an instance of %q", got, typename)
	}
	return out
}

// As casts obj to typename and then to the Go type T.
func As[T any](obj Instance, typename string) (T, bool) {
	var zero T
	out := DynamicCast(obj, typename)
	if out == nil {
		return zero, false
	}
	v, ok := out.(T)
	return v, ok
}

// MustAs is As for call sites where failure is a programming error.
func MustAs[T any](obj Instance, typename string) T {
	out := CastAssert(obj, typename)
	v, ok := out.(T)
	if !ok {
		Fatalf("object cast", "instance of %q is backed by %T", typename, out)
	}
	return v
}

// ClassDynamicCast returns c when its type is, descends from, or implements
// typename, and nil otherwise.
func ClassDynamicCast(c *Class, typename string) *Class {
	if c == nil || !c.typ.implements(typename) {
		return nil
	}
	return c
}

// ClassCast is the asserting form of ClassDynamicCast.
func ClassCast(c *Class, typename string) *Class {
	out := ClassDynamicCast(c, typename)
	if out == nil {
		name := "<nil>"
		if c != nil {
			name = c.Name()
		}
		Fatalf("class cast", "class %q is not a subclass of %q", name, typename)
	}
	return out
}
