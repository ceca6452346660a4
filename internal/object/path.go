package object

import (
	"fmt"
	"strings"
)

// Root returns the root of the registry's composition tree, a container
// created on first use.
func (r *Registry) Root() Instance {
	r.mu.Lock()
	root := r.root
	r.mu.Unlock()
	if root != nil {
		return root
	}
	root = r.New(TypeContainer)
	r.mu.Lock()
	r.root = root
	r.mu.Unlock()
	return root
}

func (r *Registry) isRoot(o *Object) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root != nil && r.root.Obj() == o
}

// ObjectsRoot returns "/objects", the parent of user-created objects.
func (r *Registry) ObjectsRoot() Instance {
	return ContainerGet(r.Root(), "/objects")
}

// CanonicalPathComponent returns the name of the child property that
// attaches obj to its parent, or "" when obj has no parent.
func CanonicalPathComponent(obj Instance) string {
	o := obj.Obj()
	if o.parent == nil {
		return ""
	}
	for _, p := range o.parent.props.order {
		if !p.IsChild() {
			continue
		}
		if inst, ok := p.Opaque.(Instance); ok && inst.Obj() == o {
			return p.Name
		}
	}
	Fatalf("object path", "instance of %q is parented but not a child of its parent", o.TypeName())
	return ""
}

// CanonicalPath returns the '/'-joined chain of child property names from
// the root to obj, "/" for the root itself, or "" when obj is not attached
// to the tree.
func CanonicalPath(obj Instance) string {
	o := obj.Obj()
	reg := o.Registry()
	var parts []string
	for cur := o; ; cur = cur.parent {
		if reg.isRoot(cur) {
			break
		}
		if cur.parent == nil {
			return ""
		}
		parts = append(parts, CanonicalPathComponent(cur.self))
	}
	if len(parts) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// ResolvePathComponent follows the child or link property part of parent.
func ResolvePathComponent(parent Instance, part string) Instance {
	p := LookupProperty(parent, part)
	if p == nil || p.Resolve == nil {
		return nil
	}
	return p.Resolve(parent, p.Opaque, part)
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func resolveAbs(parent Instance, parts []string, typename string) Instance {
	obj := parent
	for _, part := range parts {
		obj = ResolvePathComponent(obj, part)
		if obj == nil {
			return nil
		}
	}
	return DynamicCast(obj, typename)
}

func resolvePartial(parent Instance, parts []string, typename string, ambiguous *bool) Instance {
	found := resolveAbs(parent, parts, typename)
	for _, child := range Children(parent) {
		match := resolvePartial(child, parts, typename, ambiguous)
		if *ambiguous {
			return nil
		}
		if match == nil {
			continue
		}
		if found != nil {
			*ambiguous = true
			return nil
		}
		found = match
	}
	return found
}

// ResolvePathType resolves path to an instance of typename. An absolute
// path starts at the root and may cross links. A partial path is tried
// from every node in the tree and must match exactly once.
func (r *Registry) ResolvePathType(path, typename string) (Instance, error) {
	if path == "" {
		return nil, fmt.Errorf("object: resolve empty path: %w", ErrNotFound)
	}
	parts := splitPath(path)
	if strings.HasPrefix(path, "/") {
		if obj := resolveAbs(r.Root(), parts, typename); obj != nil {
			return obj, nil
		}
		return nil, fmt.Errorf("object: resolve %q: %w", path, ErrNotFound)
	}
	var ambiguous bool
	obj := resolvePartial(r.Root(), parts, typename, &ambiguous)
	if ambiguous {
		return nil, fmt.Errorf("object: resolve %q: %w", path, ErrAmbiguous)
	}
	if obj == nil {
		return nil, fmt.Errorf("object: resolve %q: %w", path, ErrNotFound)
	}
	return obj, nil
}

// ResolvePath resolves path to an instance of any type.
func (r *Registry) ResolvePath(path string) (Instance, error) {
	return r.ResolvePathType(path, TypeObject)
}

// ContainerGet returns the object at path below root, creating containers
// for every missing component.
func ContainerGet(root Instance, path string) Instance {
	obj := root
	for _, part := range splitPath(path) {
		next := ResolvePathComponent(obj, part)
		if next == nil {
			next = NewChild(obj, part, TypeContainer)
		}
		obj = next
	}
	return obj
}
