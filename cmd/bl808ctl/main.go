package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openbouffalo/bl808-hal/pkg/device"
	"github.com/openbouffalo/bl808-hal/pkg/dma"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/openbouffalo/bl808-hal/pkg/i2c"
	"github.com/platinasystems/flags"
	pi2c "github.com/platinasystems/i2c"
	"github.com/platinasystems/parms"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

// openPlatform is replaced by tests
var openPlatform = device.Open

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "bl808ctl:", err)
		os.Exit(1)
	}
}

// options are the parameters shared by all commands
type options struct {
	cfg     device.Config
	timeout time.Duration
	bus     int
	engine  string
	size    int
	quiet   bool
}

func parseOptions(args []string) (options, []string, error) {
	flag, args := flags.New(args, "-q")
	parm, args := parms.New(args, "-dtb", "-sysfs", "-dev", "-timeout", "-bus", "-engine", "-size")

	opt := options{
		cfg:     device.DefaultConfig(),
		timeout: time.Second,
		engine:  "dma0",
		size:    4096,
		quiet:   flag.ByName["-q"],
	}
	if s := parm.ByName["-dtb"]; s != "" {
		opt.cfg.DTBPath = s
	}
	if s := parm.ByName["-sysfs"]; s != "" {
		opt.cfg.SysfsPath = s
	}
	if s := parm.ByName["-dev"]; s != "" {
		opt.cfg.DevPath = s
	}
	if s := parm.ByName["-timeout"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return opt, nil, fmt.Errorf("-timeout %q: invalid duration", s)
		}
		opt.timeout = d
		opt.cfg.I2CTimeout = d
	}
	if s := parm.ByName["-bus"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opt, nil, fmt.Errorf("-bus %q: invalid bus number", s)
		}
		opt.bus = n
	}
	if s := parm.ByName["-engine"]; s != "" {
		opt.engine = s
	}
	if s := parm.ByName["-size"]; s != "" {
		n, err := strconv.ParseUint(s, 0, 31)
		if err != nil || n == 0 {
			return opt, nil, fmt.Errorf("-size %q: invalid size", s)
		}
		opt.size = int(n)
	}
	return opt, args, nil
}

func run(args []string, w io.Writer) error {
	opt, args, err := parseOptions(args)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		printUsage(w)
		return nil
	}

	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "scan":
		return scanDevices(w, opt)
	case "info":
		return platformInfo(w, opt)
	case "i2c-detect":
		return i2cDetect(w, opt)
	case "i2c-read":
		return i2cRead(w, opt, args)
	case "i2c-write":
		return i2cWrite(w, opt, args)
	case "dma-copy":
		return dmaCopy(w, opt)
	case "version":
		printVersion(w)
	case "help", "--help", "-h":
		printUsage(w)
	default:
		printUsage(w)
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "BL808 DMA and I2C control")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bl808ctl [options] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  scan                        List UIO devices and their interrupt lines")
	fmt.Fprintln(w, "  info                        Probe and describe every controller")
	fmt.Fprintln(w, "  i2c-detect                  Probe the 7-bit addresses of a bus")
	fmt.Fprintln(w, "  i2c-read ADDR REG [COUNT]   Read COUNT bytes from register REG")
	fmt.Fprintln(w, "  i2c-write ADDR REG BYTE...  Write bytes to register REG")
	fmt.Fprintln(w, "  dma-copy                    Run a memory to memory transfer and verify it")
	fmt.Fprintln(w, "  version                     Print version information")
	fmt.Fprintln(w, "  help                        Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -dtb PATH        device tree blob (default "+device.DefaultDTBPath+")")
	fmt.Fprintln(w, "  -sysfs PATH      UIO class directory (default "+device.DefaultSysfsPath+")")
	fmt.Fprintln(w, "  -dev PATH        device node directory (default "+device.DefaultDevPath+")")
	fmt.Fprintln(w, "  -timeout DUR     transfer timeout (default 1s)")
	fmt.Fprintln(w, "  -bus N           i2c bus index (default 0)")
	fmt.Fprintln(w, "  -engine NAME     dma engine (default dma0)")
	fmt.Fprintln(w, "  -size N          dma-copy length in bytes (default 4096)")
	fmt.Fprintln(w, "  -q               print results only")
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "bl808ctl version %s\n", Version)
	fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go version: %s\n", GoVersion)
}

func scanDevices(w io.Writer, opt options) error {
	devices, err := device.NewScannerAt(opt.cfg.SysfsPath, opt.cfg.DevPath).Scan()
	if err != nil {
		return fmt.Errorf("scanning devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No UIO devices found")
		return nil
	}

	fmt.Fprintf(w, "Found %d UIO device(s):\n", len(devices))
	for _, dev := range devices {
		line := fmt.Sprintf("  [%d] %s %s", dev.Index, dev.Path, dev.Name)
		if irq, ok := dev.IRQ(); ok {
			line += fmt.Sprintf(" (irq %d)", irq)
		}
		for _, m := range dev.Maps {
			line += fmt.Sprintf(" %#x+%#x", m.Addr, m.Size)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func withPlatform(opt options, fn func(*device.Platform) error) error {
	p, err := openPlatform(opt.cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

func platformInfo(w io.Writer, opt options) error {
	return withPlatform(opt, func(p *device.Platform) error {
		for _, c := range p.DMA() {
			v := c.Variant()
			fmt.Fprintf(w, "%s: %s (%s), %d of %d channels\n", c.Name(), c.Node(), v.Compatible,
				len(c.Channels()), v.Channels)
			fmt.Fprintf(w, "  peripherals: %s\n", v.Peripherals)
			for _, ch := range c.Channels() {
				var notes []string
				if ch.Lite() {
					notes = append(notes, "lite")
				}
				if ch.Shared() {
					notes = append(notes, "shared irq")
				}
				caps := ch.Caps()
				fmt.Fprintf(w, "  %s: irq %d, burst %d, %d units per entry %s\n", ch, ch.IRQ(),
					caps.MaxBurst, caps.MaxEntryUnits, strings.Join(notes, ", "))
			}
		}
		for i, a := range p.I2C() {
			fmt.Fprintf(w, "i2c-%d: %s, irq %d, %s, functionality %#x", i, a.Name(), a.IRQ(),
				a.Clock().Rate(), uint32(a.Functionality()))
			if a.BusBusy() {
				fmt.Fprint(w, ", bus busy")
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func parseByte(what, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", what, s, driver.NewError(driver.StatusInvalidArgument, "not a byte"))
	}
	return uint8(v), nil
}

func parseAddr(s string) (uint8, error) {
	a, err := parseByte("address", s)
	if err != nil {
		return 0, err
	}
	if a > 0x7f {
		return 0, fmt.Errorf("address %q: not a 7-bit address", s)
	}
	return a, nil
}

func i2cBus(p *device.Platform, opt options) (*i2c.Adapter, error) {
	a, err := p.I2CBus(opt.bus)
	if err != nil {
		return nil, err
	}
	a.SetTimeout(opt.timeout)
	return a, nil
}

func i2cDetect(w io.Writer, opt options) error {
	return withPlatform(opt, func(p *device.Platform) error {
		a, err := i2cBus(p, opt)
		if err != nil {
			return err
		}
		if !opt.quiet {
			fmt.Fprintf(w, "Probing %s\n", a.Name())
		}
		fmt.Fprintln(w, "     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f")
		buf := make([]byte, 1)
		for row := 0; row < 0x80; row += 0x10 {
			fmt.Fprintf(w, "%02x:", row)
			for addr := row; addr < row+0x10; addr++ {
				if addr < 0x08 || addr > 0x77 {
					fmt.Fprint(w, "   ")
					continue
				}
				_, err := a.Transfer([]pi2c.Message{{Address: uint16(addr), Flags: pi2c.ReadData, Data: buf}})
				if err != nil {
					fmt.Fprint(w, " --")
					continue
				}
				fmt.Fprintf(w, " %02x", addr)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func i2cRead(w io.Writer, opt options, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: bl808ctl i2c-read ADDR REG [COUNT]")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	reg, err := parseByte("register", args[1])
	if err != nil {
		return err
	}
	count := 1
	if len(args) == 3 {
		n, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil || n == 0 || n > i2c.MaxMessageLen {
			return fmt.Errorf("count %q: must be 1..%d", args[2], i2c.MaxMessageLen)
		}
		count = int(n)
	}

	return withPlatform(opt, func(p *device.Platform) error {
		a, err := i2cBus(p, opt)
		if err != nil {
			return err
		}
		buf := make([]byte, count)
		if err := a.ReadRegister(addr, reg, buf); err != nil {
			return fmt.Errorf("reading %#02x register %#02x: %w", addr, reg, err)
		}
		for i := 0; i < len(buf); i += 16 {
			end := min(i+16, len(buf))
			fmt.Fprintf(w, "%02x:", int(reg)+i)
			for _, b := range buf[i:end] {
				fmt.Fprintf(w, " %02x", b)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func i2cWrite(w io.Writer, opt options, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: bl808ctl i2c-write ADDR REG BYTE...")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	reg, err := parseByte("register", args[1])
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(args)-2)
	for _, s := range args[2:] {
		b, err := parseByte("byte", s)
		if err != nil {
			return err
		}
		data = append(data, b)
	}
	if len(data)+1 > i2c.MaxMessageLen {
		return fmt.Errorf("%d bytes: longer than one message", len(data))
	}

	return withPlatform(opt, func(p *device.Platform) error {
		a, err := i2cBus(p, opt)
		if err != nil {
			return err
		}
		if err := a.WriteRegister(addr, reg, data); err != nil {
			return fmt.Errorf("writing %#02x register %#02x: %w", addr, reg, err)
		}
		if !opt.quiet {
			fmt.Fprintf(w, "wrote %d bytes to %#02x register %#02x\n", len(data), addr, reg)
		}
		return nil
	})
}

// freeChannel allocates the first channel nobody holds
func freeChannel(c *dma.Controller) (*dma.Channel, error) {
	for _, ch := range c.Channels() {
		if ch.Allocated() {
			continue
		}
		if err := ch.AllocResources(); err == nil {
			return ch, nil
		}
	}
	return nil, driver.NewError(driver.StatusBusy, c.Name()+": no free channel")
}

func dmaCopy(w io.Writer, opt options) error {
	return withPlatform(opt, func(p *device.Platform) error {
		c, err := p.DMAByName(opt.engine)
		if err != nil {
			return err
		}
		ch, err := freeChannel(c)
		if err != nil {
			return err
		}
		defer ch.FreeResources()

		src, err := p.Memory().Alloc(opt.size)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := p.Memory().Alloc(opt.size)
		if err != nil {
			return err
		}
		defer dst.Close()

		pattern := src.Bytes()[:opt.size]
		for i := range pattern {
			pattern[i] = byte(i*17 + 11)
		}
		clear(dst.Bytes())

		d, err := ch.PrepareMemcpy(dst.PhysAddr(), src.PhysAddr(), opt.size, dma.FlagInterrupt)
		if err != nil {
			return err
		}
		done := make(chan dma.Result, 1)
		d.SetCallback(func(r dma.Result) { done <- r })
		if _, err := d.Submit(); err != nil {
			d.Free()
			return err
		}

		start := time.Now()
		ch.IssuePending()
		select {
		case r := <-done:
			if r.Err != nil {
				return fmt.Errorf("%s: %w", ch, r.Err)
			}
		case <-time.After(opt.timeout):
			ch.TerminateAll()
			ch.Synchronize()
			return fmt.Errorf("%s: %w", ch, driver.NewError(driver.StatusTimeout, "memcpy timed out"))
		}
		elapsed := time.Since(start)

		if !bytes.Equal(dst.Bytes()[:opt.size], pattern) {
			return fmt.Errorf("%s: destination does not match source", ch)
		}
		if opt.quiet {
			fmt.Fprintln(w, opt.size)
			return nil
		}
		fmt.Fprintf(w, "%s: copied %d bytes in %d entries, %s\n", ch, opt.size, d.Entries(), elapsed)
		return nil
	})
}
