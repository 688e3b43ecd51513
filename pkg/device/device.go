// Package device brings up the BL808 peripherals a device tree describes:
// it maps their registers, wires their interrupts to UIO devices and probes
// every enabled DMA engine and I2C controller.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openbouffalo/bl808-hal/pkg/clock"
	"github.com/openbouffalo/bl808-hal/pkg/devicetree"
	"github.com/openbouffalo/bl808-hal/pkg/dma"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/openbouffalo/bl808-hal/pkg/i2c"
	"github.com/platinasystems/log"
	"periph.io/x/conn/v3/physic"
)

// Default paths and rates
const (
	DefaultDTBPath    = "/sys/firmware/fdt"
	DefaultSysfsPath  = "/sys/class/uio"
	DefaultDevPath    = "/dev"
	DefaultParentRate = 40 * physic.MegaHertz
)

// Config is the runtime configuration of a Platform
type Config struct {
	DTBPath    string
	SysfsPath  string
	DevPath    string
	ParentRate physic.Frequency // rate of the crystal feeding the I2C dividers
	I2CTimeout time.Duration
	PoolSize   int            // linked list items per DMA channel
	IRQPaths   map[int]string // overrides for the scanned irq to /dev/uioN map
}

// DefaultConfig returns the configuration for a stock Linux image
func DefaultConfig() Config {
	return Config{
		DTBPath:    DefaultDTBPath,
		SysfsPath:  DefaultSysfsPath,
		DevPath:    DefaultDevPath,
		ParentRate: DefaultParentRate,
		I2CTimeout: i2c.DefaultTimeout,
		PoolSize:   dma.DefaultPoolSize,
	}
}

// Mapper maps the register window of a node. Registers that also
// implement io.Closer are closed when the platform is.
type Mapper interface {
	Map(base uint64, size int) (driver.Registers, error)
}

// DevMem maps windows through /dev/mem
type DevMem struct{}

// Map implements Mapper
func (DevMem) Map(base uint64, size int) (driver.Registers, error) {
	w, err := driver.MapWindow(base, size)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// UIOMapper maps the windows UIO devices export and hands every other
// address to Fallback
type UIOMapper struct {
	Devices  []UIOInfo
	Fallback Mapper
}

// Map implements Mapper
func (m UIOMapper) Map(base uint64, size int) (driver.Registers, error) {
	for _, info := range m.Devices {
		for i, r := range info.Maps {
			if r.Addr != base || r.Size < uint64(size) {
				continue
			}
			w, err := driver.MapUIOWindow(info.Path, i, base, size)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}
	if m.Fallback == nil {
		return nil, driver.NewError(driver.StatusMappingFailed, fmt.Sprintf("%#x: no uio device exports it", base))
	}
	return m.Fallback.Map(base, size)
}

// Backend is the host access a Platform probes through
type Backend struct {
	Mapper Mapper
	IRQs   driver.InterruptController
	Memory driver.Allocator
}

// Platform is the set of probed controllers
type Platform struct {
	cfg     Config
	tree    *devicetree.Tree
	backend Backend
	xclk    *clock.Clk
	windows []driver.Registers
	dma     []*dma.Controller
	i2c     []*i2c.Adapter

	mu     sync.RWMutex
	closed bool
}

// Open loads the device tree, scans UIO devices for interrupt lines and
// probes every enabled controller
func Open(cfg Config) (*Platform, error) {
	tree, err := devicetree.Load(cfg.DTBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device tree: %w", err)
	}

	infos, err := NewScannerAt(cfg.SysfsPath, cfg.DevPath).Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan uio devices: %w", err)
	}
	paths := IRQPaths(infos)
	for irq, path := range cfg.IRQPaths {
		paths[irq] = path
	}
	if len(paths) == 0 {
		return nil, ErrNoDevices
	}

	return New(tree, Backend{
		Mapper: UIOMapper{Devices: infos, Fallback: DevMem{}},
		IRQs:   driver.NewUIOInterrupts(paths),
		Memory: driver.PmemAllocator{},
	}, cfg)
}

// New probes the controllers of tree through backend. A controller that
// fails to probe is logged and skipped.
func New(tree *devicetree.Tree, backend Backend, cfg Config) (*Platform, error) {
	if tree == nil || backend.Mapper == nil || backend.IRQs == nil || backend.Memory == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "platform: incomplete backend")
	}
	if cfg.ParentRate <= 0 {
		cfg.ParentRate = DefaultParentRate
	}
	p := &Platform{
		cfg:     cfg,
		tree:    tree,
		backend: backend,
		xclk:    clock.NewFixed("xclk", cfg.ParentRate),
	}

	for _, v := range dma.Variants {
		for _, node := range tree.Compatible(v.Compatible) {
			if !node.Enabled() {
				continue
			}
			if err := p.probeDMA(node); err != nil {
				log.Print("err", node.Name(), ": ", err)
			}
		}
	}
	for _, node := range tree.Compatible(i2c.Compatible) {
		if !node.Enabled() {
			continue
		}
		if err := p.probeI2C(node); err != nil {
			log.Print("err", node.Name(), ": ", err)
		}
	}

	log.Printf("info", "platform: %d dma engines, %d i2c adapters", len(p.dma), len(p.i2c))
	return p, nil
}

func (p *Platform) mapNode(node *devicetree.Node) (driver.Registers, error) {
	base, size, err := node.Reg()
	if err != nil {
		return nil, err
	}
	return p.backend.Mapper.Map(base, int(size))
}

// unmap releases a window whose controller failed to probe
func unmap(regs driver.Registers) {
	if c, ok := regs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Print("err", "unmapping window: ", err)
		}
	}
}

func (p *Platform) probeDMA(node *devicetree.Node) error {
	regs, err := p.mapNode(node)
	if err != nil {
		return err
	}
	c, err := dma.Probe(dma.Resources{
		Node:     node,
		Regs:     regs,
		IRQs:     p.backend.IRQs,
		Memory:   p.backend.Memory,
		PoolSize: p.cfg.PoolSize,
	})
	if err != nil {
		unmap(regs)
		return err
	}
	p.windows = append(p.windows, regs)
	p.dma = append(p.dma, c)
	return nil
}

func (p *Platform) probeI2C(node *devicetree.Node) error {
	regs, err := p.mapNode(node)
	if err != nil {
		return err
	}
	a, err := i2c.Probe(i2c.Resources{
		Node:    node,
		Regs:    regs,
		IRQs:    p.backend.IRQs,
		Parent:  p.xclk,
		Timeout: p.cfg.I2CTimeout,
	})
	if err != nil {
		unmap(regs)
		return err
	}
	p.windows = append(p.windows, regs)
	p.i2c = append(p.i2c, a)
	return nil
}

// Close removes every controller in reverse probe order and unmaps their
// registers
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i := len(p.i2c) - 1; i >= 0; i-- {
		if err := p.i2c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(p.dma) - 1; i >= 0; i-- {
		if err := p.dma[i].Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(p.windows) - 1; i >= 0; i-- {
		if c, ok := p.windows[i].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Tree returns the device tree the platform was probed from
func (p *Platform) Tree() *devicetree.Tree {
	return p.tree
}

// Clock returns the root clock of the I2C dividers
func (p *Platform) Clock() *clock.Clk {
	return p.xclk
}

// Memory returns the allocator DMA buffers come from
func (p *Platform) Memory() driver.Allocator {
	return p.backend.Memory
}

// DMA returns the probed DMA engines
func (p *Platform) DMA() []*dma.Controller {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	return append([]*dma.Controller(nil), p.dma...)
}

// DMAByName returns the engine called name, e.g. dma0
func (p *Platform) DMAByName(name string) (*dma.Controller, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPlatformClosed
	}
	for _, c := range p.dma {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("dma %q: %w", name, ErrNoController)
}

// I2C returns the probed I2C adapters
func (p *Platform) I2C() []*i2c.Adapter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	return append([]*i2c.Adapter(nil), p.i2c...)
}

// I2CBus returns adapter i in probe order
func (p *Platform) I2CBus(i int) (*i2c.Adapter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPlatformClosed
	}
	if i < 0 || i >= len(p.i2c) {
		return nil, fmt.Errorf("i2c bus %d: %w", i, ErrNoController)
	}
	return p.i2c[i], nil
}
