// Command qdevtree builds a machine from a YAML description and prints
// what it assembled: the composition tree, the bus tree, the memory map
// and the flattened device tree handed to a guest.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/qdev/internal/chipset"
	_ "github.com/tinyrange/qdev/internal/devices/pl031"
	_ "github.com/tinyrange/qdev/internal/devices/serial"
	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/machine"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"
)

const defaultConfig = `
name: virt
memory: {base: 0x40000000, size: 0x8000000}
platform_bus: {base: 0x0c000000, size: 0x02000000, num_irqs: 32, irq_base: 112}
devices:
  - {type: pl031, id: rtc, mmio: [0x09010000], irq: [2]}
  - {type: serial-mm, id: uart, mmio: [0x09000000], irq: [1]}
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "qdevtree: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML); a small virt board when empty")
	showQOM := flag.Bool("qom", true, "Print the composition tree")
	showQTree := flag.Bool("qtree", true, "Print the bus tree")
	showMTree := flag.Bool("mtree", false, "Print the system memory map")
	dtbOut := flag.String("dtb", "", "Write the flattened device tree to this file")
	showDTS := flag.Bool("dts", false, "Print the device tree as source")
	doReset := flag.Bool("reset", false, "Run a cold reset after hot-adding devices")
	debug := flag.Bool("debug", false, "Enable debug logging")
	adds := &stringSlice{}
	flag.Var(adds, "add", "Hot-add a device after construction (type[,id=x][,bus=x][,prop=value...]), can be specified multiple times")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build a machine and print its object, bus and memory trees.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config virt.yml -mtree\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -add pl031,id=rtc1 -add serial-mm,regshift=2 -dts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		cfg *machine.Config
		err error
	)
	if *configPath != "" {
		cfg, err = machine.Load(*configPath)
	} else {
		cfg, err = machine.Parse([]byte(defaultConfig))
	}
	if err != nil {
		return err
	}

	sink := chipset.InterruptSinkFunc(func(line uint32, level bool) {
		slog.Debug("irq", "line", line, "level", level)
	})
	ctx, err := machine.Build(object.NewRegistry(), cfg, sink)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	defer ctx.Close()

	for _, arg := range adds.values {
		spec, err := parseDeviceArg(arg)
		if err != nil {
			return err
		}
		if _, err := ctx.DeviceAdd(spec); err != nil {
			return fmt.Errorf("add %q: %w", arg, err)
		}
	}
	if *doReset {
		ctx.Reset(reset.Cold)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	p := newPrinter(out, term.IsTerminal(int(os.Stdout.Fd())))

	if *showQOM {
		p.heading("composition tree")
		p.qom(ctx.Registry().Root(), 0)
	}
	if *showQTree {
		p.heading("bus tree")
		if err := p.qtree(ctx.Bus()); err != nil {
			return err
		}
	}
	if *showMTree {
		p.heading("memory map")
		if err := ctx.Memory().WriteTree(p); err != nil {
			return err
		}
	}

	if *dtbOut == "" && !*showDTS {
		return nil
	}
	blob, err := ctx.DeviceTree()
	if err != nil {
		return fmt.Errorf("device tree: %w", err)
	}
	if *dtbOut != "" {
		if err := os.WriteFile(*dtbOut, blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Info("device tree written", "path", *dtbOut, "size", len(blob))
	}
	if *showDTS {
		root, _, err := fdt.Parse(blob)
		if err != nil {
			return fmt.Errorf("device tree: %w", err)
		}
		p.heading("device tree")
		if err := fdt.Format(p, root); err != nil {
			return err
		}
	}
	return nil
}

// parseDeviceArg turns "type,key=value,..." into a device description.
// The keys id, bus and parent select placement; the rest are properties.
func parseDeviceArg(arg string) (machine.DeviceConfig, error) {
	parts := strings.Split(arg, ",")
	spec := machine.DeviceConfig{Type: parts[0]}
	if spec.Type == "" {
		return spec, fmt.Errorf("add %q: missing device type", arg)
	}
	for _, kv := range parts[1:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return spec, fmt.Errorf("add %q: %q is not key=value", arg, kv)
		}
		switch key {
		case "id":
			spec.ID = value
		case "bus":
			spec.Bus = value
		case "parent":
			spec.Parent = value
		default:
			if spec.Props == nil {
				spec.Props = make(map[string]machine.Value)
			}
			spec.Props[key] = machine.Value(value)
		}
	}
	return spec, nil
}

// printer writes indented trees, styled when the output is a terminal.
type printer struct {
	w      io.Writer
	styled bool
	width  int
}

func newPrinter(w io.Writer, styled bool) *printer {
	p := &printer{w: w, styled: styled}
	if styled {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			p.width = width
		}
	}
	return p
}

func (p *printer) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *printer) style(s string, style ansi.Style) string {
	if !p.styled {
		return s
	}
	return style.String() + s + ansi.ResetStyle
}

func (p *printer) heading(title string) {
	fmt.Fprintln(p.w, p.style("== "+title+" ==", ansi.Style{}.Bold()))
}

func (p *printer) line(depth int, s string) {
	s = strings.Repeat("  ", depth) + s
	if p.width > 0 {
		s = ansi.Truncate(s, p.width, "…")
	}
	fmt.Fprintln(p.w, s)
}

func (p *printer) qom(obj object.Instance, depth int) {
	name := object.CanonicalPathComponent(obj)
	if name == "" {
		name = "/"
	}
	p.line(depth, p.style(name, ansi.Style{}.Bold())+" "+p.style("("+obj.Obj().TypeName()+")", ansi.Style{}.ForegroundColor(ansi.Cyan)))
	for _, child := range object.Children(obj) {
		p.qom(child, depth+1)
	}
}

func (p *printer) qtree(bus qdev.BusInstance) error {
	depth := 0
	return qdev.WalkBus(bus, qdev.WalkFuncs{
		PreBus: func(b qdev.BusInstance) error {
			p.line(depth, p.style("bus: "+b.QBus().Name(), ansi.Style{}.Bold()))
			p.line(depth+1, "type "+b.Obj().TypeName())
			depth++
			return nil
		},
		PostBus: func(qdev.BusInstance) error {
			depth--
			return nil
		},
		PreDevice: func(dev qdev.DeviceInstance) error {
			desc := "dev: " + p.style(dev.Obj().TypeName(), ansi.Style{}.ForegroundColor(ansi.Green))
			if id := dev.QDev().ID(); id != "" {
				desc += fmt.Sprintf(", id %q", id)
			}
			p.line(depth, desc)
			if sbd, ok := dev.(sysbus.Instance); ok {
				if res := sysbus.Describe(sbd); res != "" {
					p.line(depth+1, res)
				}
			}
			depth++
			return nil
		},
		PostDevice: func(qdev.DeviceInstance) error {
			depth--
			return nil
		},
	})
}

// stringSlice implements flag.Value for collecting repeated flags.
type stringSlice struct {
	values []string
}

func (s *stringSlice) String() string {
	return strings.Join(s.values, ", ")
}

func (s *stringSlice) Set(value string) error {
	s.values = append(s.values, value)
	return nil
}
