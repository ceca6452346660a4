package reset

import (
	"slices"
	"testing"

	"github.com/tinyrange/qdev/internal/object"
)

type node struct {
	object.Object
	state    State
	name     string
	log      *[]string
	children []*node

	// onEnter runs inside the enter hook.
	onEnter func(n *node)
	inReset []bool
}

func (n *node) ResetState() *State { return &n.state }

func (n *node) ResetChildForeach(fn func(Resettable), _ Type) {
	for _, c := range n.children {
		fn(c)
	}
}

func (n *node) ResetEnter(t Type) {
	*n.log = append(*n.log, "enter "+n.name)
	if n.onEnter != nil {
		n.onEnter(n)
	}
}

func (n *node) ResetHold(t Type) {
	n.inReset = append(n.inReset, IsInReset(n))
	*n.log = append(*n.log, "hold "+n.name)
}

func (n *node) ResetExit(t Type) {
	*n.log = append(*n.log, "exit "+n.name)
}

type legacy struct {
	object.Object
	state State
	count int
}

func (l *legacy) ResetState() *State { return &l.state }

func (l *legacy) Reset() { l.count++ }

func newRegistry() *object.Registry {
	r := object.NewRegistry()
	r.Register(object.TypeInfo{
		Name:       "node",
		Parent:     object.TypeObject,
		New:        func() object.Instance { return &node{} },
		Interfaces: []string{TypeResettable},
	})
	r.Register(object.TypeInfo{
		Name:       "legacy",
		Parent:     object.TypeObject,
		New:        func() object.Instance { return &legacy{} },
		Interfaces: []string{TypeResettable},
	})
	return r
}

func newNode(r *object.Registry, name string, log *[]string, children ...*node) *node {
	n := r.New("node").(*node)
	n.name = name
	n.log = log
	n.children = children
	return n
}

func TestPhaseOrder(t *testing.T) {
	r := newRegistry()
	var log []string
	a := newNode(r, "a", &log)
	b := newNode(r, "b", &log)
	bus := newNode(r, "bus", &log, a, b)

	Reset(bus, Cold)

	want := []string{
		"enter bus", "enter a", "enter b",
		"hold a", "hold b", "hold bus",
		"exit bus", "exit a", "exit b",
	}
	if !slices.Equal(log, want) {
		t.Fatalf("phases = %v\nwant     %v", log, want)
	}
	for _, n := range []*node{bus, a, b} {
		if IsInReset(n) || n.state.Count() != 0 || n.state.Phase() != PhaseIdle {
			t.Fatalf("%s left in reset: count=%d phase=%v", n.name, n.state.Count(), n.state.Phase())
		}
	}
}

func TestNestedResetOnlyCounts(t *testing.T) {
	r := newRegistry()
	var log []string
	dev := newNode(r, "dev", &log)
	bus := newNode(r, "bus", &log, dev)

	var depths []int
	dev.onEnter = func(n *node) {
		Reset(n, Warm)
		depths = append(depths, n.state.Count())
	}

	Reset(bus, Cold)

	want := []string{"enter bus", "enter dev", "hold dev", "hold bus", "exit bus", "exit dev"}
	if !slices.Equal(log, want) {
		t.Fatalf("phases = %v, want %v", log, want)
	}
	if !slices.Equal(depths, []int{1}) {
		t.Fatalf("depth after nested reset = %v", depths)
	}
	if !slices.Equal(dev.inReset, []bool{true}) {
		t.Fatalf("in reset during hold = %v", dev.inReset)
	}
	if dev.state.Count() != 0 || bus.state.Count() != 0 {
		t.Fatalf("counters not back to zero: dev=%d bus=%d", dev.state.Count(), bus.state.Count())
	}
}

func TestAssertRelease(t *testing.T) {
	r := newRegistry()
	var log []string
	dev := newNode(r, "dev", &log)

	Assert(dev, Cold)
	if !IsInReset(dev) || dev.state.Phase() != PhaseHold {
		t.Fatalf("after assert: in reset=%v phase=%v", IsInReset(dev), dev.state.Phase())
	}
	Assert(dev, Cold)
	Release(dev, Cold)
	if !IsInReset(dev) {
		t.Fatalf("inner release left reset early")
	}
	Release(dev, Cold)
	if IsInReset(dev) {
		t.Fatalf("still in reset")
	}
	want := []string{"enter dev", "hold dev", "exit dev"}
	if !slices.Equal(log, want) {
		t.Fatalf("phases = %v, want %v", log, want)
	}

	defer func() {
		if _, ok := recover().(*object.FatalError); !ok {
			t.Fatalf("unbalanced release did not abort")
		}
	}()
	Release(dev, Cold)
}

func TestLegacyResetAndContainer(t *testing.T) {
	r := newRegistry()
	var log []string
	l := r.New("legacy").(*legacy)
	n := newNode(r, "n", &log)

	c := NewContainer(r)
	c.Add(l)
	c.Add(n)
	Reset(c, Warm)
	if l.count != 1 {
		t.Fatalf("legacy reset ran %d times", l.count)
	}
	if !slices.Equal(log, []string{"enter n", "hold n", "exit n"}) {
		t.Fatalf("phases = %v", log)
	}

	c.Remove(l)
	Reset(c, Warm)
	if l.count != 1 || c.Len() != 1 {
		t.Fatalf("removed child reset: count=%d len=%d", l.count, c.Len())
	}

	if _, ok := Cast(n); !ok {
		t.Fatalf("node does not cast to resettable")
	}
	if _, ok := Cast(r.New(object.TypeContainer)); ok {
		t.Fatalf("plain container casts to resettable")
	}
}

func TestResetCycleAborts(t *testing.T) {
	r := newRegistry()
	var log []string
	a := newNode(r, "a", &log)
	b := newNode(r, "b", &log, a)
	a.children = []*node{b}

	defer func() {
		if _, ok := recover().(*object.FatalError); !ok {
			t.Fatalf("cycle did not abort")
		}
	}()
	Reset(a, Cold)
}
