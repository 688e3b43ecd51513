// Package dma drives the BL808 DMA engines: linked list descriptors built
// from a per-channel pool, a queue of submitted and issued transfers per
// channel, cyclic transfers and a shared interrupt dispatcher.
package dma

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openbouffalo/bl808-hal/pkg/devicetree"
	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/platinasystems/log"
)

// Device tree properties
const (
	PropChannelMask  = "bflb,dma-channel-mask"
	PropLiteChannels = "bflb,lite-channels"
)

// DefaultPoolSize is the number of linked list items per channel
const DefaultPoolSize = 64

// legacyLastIRQ is the last positional interrupt of trees without
// interrupt-names; higher channels share it
const legacyLastIRQ = 11

// Resources is what Probe needs to bring up a controller
type Resources struct {
	Node     *devicetree.Node
	Regs     driver.Registers
	IRQs     driver.InterruptController
	Memory   driver.Allocator
	PoolSize int
}

// Controller is one DMA engine
type Controller struct {
	name     string
	node     string
	variant  Variant
	regs     driver.Registers
	irqs     driver.InterruptController
	mem      driver.Allocator
	poolSize int
	zero     driver.Buffer
	channels []*Channel
	lines    []*irqLine
	spurious *log.Limited

	mu       sync.Mutex
	handlers []CompletionHandler

	// held for the whole of each interrupt dispatch
	isr sync.Mutex
}

// irqLine is the handler registered for one interrupt line. mask selects
// the channels it serves.
type irqLine struct {
	ctrl *Controller
	irq  int
	mask uint32
}

// HandleInterrupt implements driver.InterruptHandler
func (l *irqLine) HandleInterrupt(irq int) {
	l.ctrl.handle(l.mask)
}

// Probe maps a controller from its device tree node, resolves and requests
// its interrupt lines and enables the engine. Anything acquired is
// released again if a later step fails.
func Probe(res Resources) (*Controller, error) {
	node := res.Node
	if node == nil || res.Regs == nil || res.IRQs == nil || res.Memory == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "dma probe: incomplete resources")
	}

	var variant Variant
	found := false
	for _, v := range Variants {
		if node.IsCompatible(v.Compatible) {
			variant, found = v, true
			break
		}
	}
	if !found {
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s: not a dma controller", node.Name()))
	}

	mask, err := node.Uint32(PropChannelMask)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: reading %s", node.Name(), PropChannelMask), err)
	}
	mask &= 1<<variant.Channels - 1
	lite, _ := node.Uint32(PropLiteChannels)

	c := &Controller{
		name:     strings.TrimPrefix(variant.Compatible, "bflb,bl808-"),
		node:     node.Name(),
		variant:  variant,
		regs:     res.Regs,
		irqs:     res.IRQs,
		mem:      res.Memory,
		poolSize: res.PoolSize,
		channels: make([]*Channel, variant.Channels),
		handlers: make([]CompletionHandler, variant.Channels),
		spurious: log.NewLimited(10),
	}
	if c.poolSize <= 0 {
		c.poolSize = DefaultPoolSize
	}

	c.zero, err = c.mem.Alloc(driver.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%s: zero page: %w", c.name, err)
	}

	irqs := c.resolveIRQs(node, mask)
	users := make(map[int]int)
	for _, irq := range irqs {
		if irq >= 0 {
			users[irq]++
		}
	}
	for i, irq := range irqs {
		if irq < 0 {
			continue
		}
		c.channels[i] = newChannel(c, i, irq, users[irq] > 1, lite&(1<<i) != 0)
	}

	for _, ch := range c.channels {
		if ch == nil {
			continue
		}
		var line *irqLine
		for _, l := range c.lines {
			if l.irq == ch.irq {
				line = l
			}
		}
		if line != nil {
			line.mask |= 1 << ch.index
			continue
		}
		line = &irqLine{ctrl: c, irq: ch.irq, mask: 1 << ch.index}
		if err := c.irqs.Request(ch.irq, c.name, ch.shared, line); err != nil {
			c.release()
			return nil, fmt.Errorf("%s: requesting irq %d for channel %d: %w", c.name, ch.irq, ch.index, err)
		}
		c.lines = append(c.lines, line)
	}

	driver.SetBits(c.regs, regTopConfig, topConfigE)
	log.Printf("info", "%s: %d of %d channels, %d interrupt lines", c.name, len(c.Channels()), variant.Channels, len(c.lines))
	return c, nil
}

// resolveIRQs returns the interrupt of every available channel, -1 where
// there is none
func (c *Controller) resolveIRQs(node *devicetree.Node, mask uint32) []int {
	irqs := make([]int, c.variant.Channels)
	warned := false
	for i := range irqs {
		irqs[i] = -1
		if mask&(1<<i) == 0 {
			continue
		}
		irq, err := node.IRQByName(fmt.Sprintf("dma%d", i))
		if err == nil {
			irqs[i] = irq
			continue
		}
		if !warned {
			log.Printf("warn", "%s: missing interrupt-names, using legacy interrupt order", c.name)
			warned = true
		}
		irq, err = node.IRQ(min(i, legacyLastIRQ))
		if err != nil {
			continue
		}
		irqs[i] = irq
	}
	return irqs
}

// release frees interrupt lines and the zero page in reverse order
func (c *Controller) release() {
	for i := len(c.lines) - 1; i >= 0; i-- {
		l := c.lines[i]
		if err := c.irqs.Free(l.irq, l); err != nil {
			log.Print("err", c.name, ": freeing irq ", l.irq, ": ", err)
		}
	}
	c.lines = nil
	if c.zero != nil {
		c.zero.Close()
		c.zero = nil
	}
}

// Remove stops every channel, frees the interrupt lines and disables the
// engine
func (c *Controller) Remove() error {
	var first error
	for i := len(c.channels) - 1; i >= 0; i-- {
		ch := c.channels[i]
		if ch == nil {
			continue
		}
		if err := ch.FreeResources(); err != nil && first == nil {
			first = err
		}
	}
	driver.ClearBits(c.regs, regTopConfig, topConfigE)
	c.release()
	return first
}

// Name returns the engine name, e.g. dma0
func (c *Controller) Name() string {
	return c.name
}

// Node returns the device tree node name
func (c *Controller) Node() string {
	return c.node
}

// Variant returns the matched controller variant
func (c *Controller) Variant() Variant {
	return c.variant
}

// ZeroPage returns the bus address of the controller's zeroed page
func (c *Controller) ZeroPage() uint64 {
	if c.zero == nil {
		return 0
	}
	return c.zero.PhysAddr()
}

// Channels returns the available channels in index order
func (c *Controller) Channels() []*Channel {
	var chans []*Channel
	for _, ch := range c.channels {
		if ch != nil {
			chans = append(chans, ch)
		}
	}
	return chans
}

// Channel returns channel i
func (c *Controller) Channel(i int) (*Channel, error) {
	if i < 0 || i >= len(c.channels) || c.channels[i] == nil {
		return nil, driver.NewError(driver.StatusNotFound, fmt.Sprintf("%s: no channel %d", c.name, i))
	}
	return c.channels[i], nil
}

// RequestChannel allocates the first free channel for a peripheral class
func (c *Controller) RequestChannel(p Peripheral) (*Channel, error) {
	if p == 0 || p&^c.variant.Peripherals != 0 {
		return nil, driver.NewError(driver.StatusNotSupported, fmt.Sprintf("%s: peripheral %s", c.name, p))
	}
	for _, ch := range c.channels {
		if ch == nil || ch.Allocated() {
			continue
		}
		if err := ch.AllocResources(); err != nil {
			if driver.StatusOf(err) == driver.StatusBusy {
				continue
			}
			return nil, err
		}
		return ch, nil
	}
	return nil, driver.NewError(driver.StatusBusy, fmt.Sprintf("%s: no free channel", c.name))
}

func (c *Controller) setHandler(index int, h CompletionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[index] = h
}

func (c *Controller) handler(index int) CompletionHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[index]
}

// syncInterrupts waits for a dispatch in progress to finish
func (c *Controller) syncInterrupts() {
	c.isr.Lock()
	c.isr.Unlock()
}

// handle acknowledges the terminal count and error bits of the channels in
// mask and notifies their handlers, lowest channel first
func (c *Controller) handle(mask uint32) {
	c.isr.Lock()
	defer c.isr.Unlock()

	tc := c.regs.Read32(regIntTCStatus) & mask
	errs := c.regs.Read32(regIntErrorStatus) & mask
	if tc|errs == 0 {
		return
	}
	if tc != 0 {
		c.regs.Write32(regIntTCClear, tc)
	}
	if errs != 0 {
		c.regs.Write32(regIntErrClr, errs)
	}

	pending := tc | errs
	for i := 0; i < len(c.handlers); i++ {
		bit := uint32(1) << i
		if pending&bit == 0 {
			continue
		}
		h := c.handler(i)
		if h == nil {
			c.spurious.Print("debug", c.name, ": interrupt for idle channel ", i)
			continue
		}
		var err error
		if errs&bit != 0 {
			err = driver.NewError(driver.StatusIOError, fmt.Sprintf("%s: channel %d bus error", c.name, i))
		}
		h.OnComplete(err)
	}
}
