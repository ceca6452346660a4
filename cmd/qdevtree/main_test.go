package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/qdev/internal/machine"
	"github.com/tinyrange/qdev/internal/object"
)

func TestParseDeviceArg(t *testing.T) {
	spec, err := parseDeviceArg("serial-mm,id=uart1,regshift=2,bus=main-system-bus")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Type != "serial-mm" || spec.ID != "uart1" || spec.Bus != "main-system-bus" {
		t.Fatalf("spec = %+v", spec)
	}
	if spec.Props["regshift"] != "2" || len(spec.Props) != 1 {
		t.Fatalf("props = %v", spec.Props)
	}
	for _, bad := range []string{"", ",id=x", "pl031,novalue"} {
		if _, err := parseDeviceArg(bad); err == nil {
			t.Errorf("%q parsed", bad)
		}
	}
}

func TestTrees(t *testing.T) {
	cfg, err := machine.Parse([]byte(defaultConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, err := machine.Build(object.NewRegistry(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer ctx.Close()

	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	p.qom(ctx.Registry().Root(), 0)
	if err := p.qtree(ctx.Bus()); err != nil {
		t.Fatalf("qtree: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"/ (container)",
		"  machine (machine)",
		"      rtc (pl031)",
		"bus: main-system-bus",
		"  dev: pl031, id \"rtc\"",
		"    mmio 0000000009010000/1000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}
