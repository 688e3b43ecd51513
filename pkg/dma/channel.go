package dma

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
	"github.com/platinasystems/log"
)

// ErrTerminated is the error recorded for descriptors discarded by
// TerminateAll
var ErrTerminated = driver.NewError(driver.StatusOperationFailed, "transfer terminated")

// failedHistory bounds how many failed cookies TxStatus tells apart.
// Older ones read as complete.
const failedHistory = 64

// haltPolls bounds the wait for a halted channel to drain its FIFO
const haltPolls = 1000

// Segment is one contiguous piece of memory in a scatter-gather transfer
type Segment struct {
	Addr uint64
	Len  int
}

// CompletionHandler receives terminal count and error interrupts for one
// channel. err is nil for a terminal count.
type CompletionHandler interface {
	OnComplete(err error)
}

// Channel is one hardware channel of a controller
type Channel struct {
	ctrl   *Controller
	index  int
	regs   driver.Registers
	irq    int
	shared bool
	lite   bool

	mu         sync.Mutex
	allocated  bool
	pool       *driver.Pool
	work       *worker
	slave      SlaveConfig
	configured bool
	submitted  []*Descriptor
	issued     []*Descriptor
	active     *Descriptor
	terminated []*Descriptor
	lastCookie Cookie
	doneCookie Cookie
	failed     map[Cookie]error
	failures   []Cookie // failed keys, oldest first
	paused     bool
	periods    uint64
}

func newChannel(ctrl *Controller, index, irq int, shared, lite bool) *Channel {
	return &Channel{
		ctrl:   ctrl,
		index:  index,
		regs:   driver.Sub(ctrl.regs, chanOffset(index)),
		irq:    irq,
		shared: shared,
		lite:   lite,
	}
}

// Index returns the hardware channel number
func (c *Channel) Index() int {
	return c.index
}

// IRQ returns the interrupt line serving the channel
func (c *Channel) IRQ() int {
	return c.irq
}

// Shared reports whether the interrupt line serves other channels too
func (c *Channel) Shared() bool {
	return c.shared
}

// Lite reports whether the channel has the reduced transfer size field
func (c *Channel) Lite() bool {
	return c.lite
}

// Controller returns the owning controller
func (c *Channel) Controller() *Controller {
	return c.ctrl
}

func (c *Channel) String() string {
	return fmt.Sprintf("%schan%d", c.ctrl.name, c.index)
}

func (c *Channel) maxWidth() BusWidth {
	if c.lite {
		return Width32
	}
	return Width64
}

// Caps reports the channel's capabilities
func (c *Channel) Caps() Caps {
	widths := []BusWidth{Width8, Width16, Width32}
	units := ctrlTransferSizeMask
	if c.lite {
		units = liteTransferSizeMask
	} else {
		widths = append(widths, Width64)
	}
	return Caps{
		Widths:        widths,
		Directions:    []Direction{MemToMem, MemToDev, DevToMem},
		MaxBurst:      MaxBurst,
		Residue:       GranularityBurst,
		MaxEntryUnits: units,
		Peripherals:   c.ctrl.variant.Peripherals,
	}
}

// Allocated reports whether AllocResources has been called
func (c *Channel) Allocated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

// AllocResources creates the channel's LLI pool and completion worker and
// attaches the channel to the controller's interrupt table
func (c *Channel) AllocResources() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allocated {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("%s: already allocated", c))
	}
	pool, err := driver.NewPool(c.ctrl.mem, c.String(), lliSize, lliAlign, c.ctrl.poolSize)
	if err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	c.pool = pool
	c.work = newWorker()
	c.failed = make(map[Cookie]error)
	c.allocated = true
	c.ctrl.setHandler(c.index, c)
	log.Print("debug", c, ": allocated ", pool.Cap(), " descriptors")
	return nil
}

// FreeResources stops the channel, waits for callbacks in flight and
// releases the pool. Descriptors the caller still holds become invalid.
func (c *Channel) FreeResources() error {
	c.TerminateAll()
	c.Synchronize()

	c.mu.Lock()
	if !c.allocated {
		c.mu.Unlock()
		return nil
	}
	c.ctrl.setHandler(c.index, nil)
	c.allocated = false
	c.configured = false
	c.failed, c.failures = nil, nil
	work, pool := c.work, c.pool
	c.work, c.pool = nil, nil
	c.mu.Unlock()

	work.close()
	return pool.Close()
}

// Config sets the device side of peripheral transfers
func (c *Channel) Config(cfg SlaveConfig) error {
	if err := c.validateSlave(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slave = cfg
	c.configured = true
	return nil
}

func (c *Channel) readyLocked() error {
	if !c.allocated {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: channel not allocated", c))
	}
	return nil
}

// slaveLocked returns the control template and configuration word for a
// peripheral transfer in dir
func (c *Channel) slaveLocked(dir Direction) (addr uint64, ctl control, cfg chanConfig, err error) {
	if dir != MemToDev && dir != DevToMem {
		return 0, ctl, cfg, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: %s is not a peripheral direction", c, dir))
	}
	if !c.configured {
		return 0, ctl, cfg, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: no slave config", c))
	}
	addr, width, burst, ok := c.slave.sideFor(dir)
	if !ok {
		return 0, ctl, cfg, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: no bus width for %s", c, dir))
	}
	ctl = control{srcBurst: burst, dstBurst: burst, srcWidth: width, dstWidth: width}
	if dir == MemToDev {
		ctl.srcInc = true
		cfg.dstRequest = c.slave.Request
	} else {
		ctl.dstInc = true
		cfg.srcRequest = c.slave.Request
	}
	return addr, ctl, cfg, nil
}

// PrepareSlaveSG builds a descriptor moving segs to or from the configured
// device
func (c *Channel) PrepareSlaveSG(segs []Segment, dir Direction, flags Flags) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return nil, err
	}
	devAddr, ctl, cfg, err := c.slaveLocked(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: no segments", c))
	}

	b := c.newBuilder(dir, flags)
	for _, s := range segs {
		if s.Addr%uint64(ctl.srcWidth) != 0 {
			b.abort()
			return nil, driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("%s: segment 0x%x not aligned to %s", c, s.Addr, ctl.srcWidth))
		}
		if dir == MemToDev {
			err = b.add(s.Addr, devAddr, s.Len, ctl)
		} else {
			err = b.add(devAddr, s.Addr, s.Len, ctl)
		}
		if err != nil {
			b.abort()
			return nil, err
		}
	}
	b.markInterrupt()
	return b.finish(cfg, false), nil
}

// PrepareCyclic builds a ring over buf that interrupts after every period
// and runs until terminated
func (c *Channel) PrepareCyclic(buf uint64, bufLen, periodLen int, dir Direction, flags Flags) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return nil, err
	}
	devAddr, ctl, cfg, err := c.slaveLocked(dir)
	if err != nil {
		return nil, err
	}
	if bufLen <= 0 || periodLen <= 0 || bufLen%periodLen != 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: buffer of %d bytes in periods of %d", c, bufLen, periodLen))
	}
	if buf%uint64(ctl.srcWidth) != 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: buffer 0x%x not aligned to %s", c, buf, ctl.srcWidth))
	}

	b := c.newBuilder(dir, flags)
	for off := 0; off < bufLen; off += periodLen {
		addr := buf + uint64(off)
		if dir == MemToDev {
			err = b.add(addr, devAddr, periodLen, ctl)
		} else {
			err = b.add(devAddr, addr, periodLen, ctl)
		}
		if err != nil {
			b.abort()
			return nil, err
		}
		b.markInterrupt()
	}
	d := b.finish(cfg, true)
	d.periods = bufLen / periodLen
	return d, nil
}

// PrepareMemcpy builds a memory to memory copy. A source equal to the
// controller's zero page fills dst with zeros.
func (c *Channel) PrepareMemcpy(dst, src uint64, length int, flags Flags) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: memcpy of %d bytes", c, length))
	}

	zero := src == c.ctrl.ZeroPage()
	width := c.maxWidth()
	for width > Width8 {
		w := uint64(width)
		if dst%w == 0 && uint64(length)%w == 0 && (zero || src%w == 0) {
			break
		}
		width /= 2
	}
	ctl := control{
		srcBurst: MaxBurst,
		dstBurst: MaxBurst,
		srcWidth: width,
		dstWidth: width,
		srcInc:   !zero,
		dstInc:   true,
	}

	b := c.newBuilder(MemToMem, flags)
	if err := b.add(src, dst, length, ctl); err != nil {
		b.abort()
		return nil, err
	}
	b.markInterrupt()
	return b.finish(chanConfig{}, false), nil
}

// IssuePending moves submitted descriptors to the issued queue and starts
// the channel if it is idle
func (c *Channel) IssuePending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.submitted {
		d.state = descIssued
	}
	c.issued = append(c.issued, c.submitted...)
	c.submitted = nil
	c.startNextLocked()
}

func (c *Channel) startNextLocked() {
	if c.active != nil || len(c.issued) == 0 {
		return
	}
	d := c.issued[0]
	c.issued[0] = nil
	c.issued = c.issued[1:]
	c.active = d
	c.paused = false
	c.periods = 0
	d.state = descActive

	first := d.entries[0]
	c.regs.Write32(regConfig, 0)
	c.regs.Write32(regSrcAddr, uint32(first.src))
	c.regs.Write32(regDstAddr, uint32(first.dst))
	c.regs.Write32(regLLI, binary.LittleEndian.Uint32(first.block.Bytes[8:]))
	c.regs.Write32(regControl, first.control)
	c.regs.Write32(regConfig, d.config|cfgE)
	log.Print("debug", c, ": started transfer ", d.cookie, " (", d.size, " bytes, ", len(d.entries), " entries)")
}

// stopLocked halts the channel, lets it drain and disables it
func (c *Channel) stopLocked() {
	driver.SetBits(c.regs, regConfig, cfgH)
	for i := 0; i < haltPolls && c.regs.Read32(regConfig)&cfgA != 0; i++ {
	}
	c.regs.Write32(regConfig, 0)
	bit := uint32(1) << c.index
	c.ctrl.regs.Write32(regIntTCClear, bit)
	c.ctrl.regs.Write32(regIntErrClr, bit)
	c.paused = false
}

func (c *Channel) notifyLocked(d *Descriptor, r Result) {
	if d.flags&FlagInterrupt == 0 || d.callback == nil || c.work == nil {
		return
	}
	cb := d.callback
	c.work.post(func() { cb(r) })
}

func (c *Channel) releaseLocked(d *Descriptor) {
	if c.pool != nil {
		for _, e := range d.entries {
			c.pool.Put(e.block)
		}
	}
	d.entries = nil
	d.state = descFreed
}

// failLocked records err for cookie and forgets the oldest failure past
// failedHistory. The cookie counts as done.
func (c *Channel) failLocked(cookie Cookie, err error) {
	if _, ok := c.failed[cookie]; !ok {
		c.failures = append(c.failures, cookie)
	}
	c.failed[cookie] = err
	if len(c.failures) > failedHistory {
		delete(c.failed, c.failures[0])
		c.failures = append(c.failures[:0], c.failures[1:]...)
	}
	if cookie > c.doneCookie {
		c.doneCookie = cookie
	}
}

func (c *Channel) retireLocked(d *Descriptor, err error) {
	c.active = nil
	if err != nil {
		c.failLocked(d.cookie, err)
	}
	if d.cookie > c.doneCookie {
		c.doneCookie = d.cookie
	}
	d.state = descDone
	c.notifyLocked(d, Result{Cookie: d.cookie, Err: err})
	if d.flags&FlagReuse == 0 {
		c.releaseLocked(d)
	}
}

// OnComplete implements CompletionHandler. A terminal count retires the
// running descriptor and starts the next one; on a cyclic descriptor it
// only reports the period.
func (c *Channel) OnComplete(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.active
	if d == nil {
		return
	}
	if err != nil {
		log.Print("err", c, ": transfer ", d.cookie, ": ", err)
		c.stopLocked()
		c.retireLocked(d, err)
		c.startNextLocked()
		return
	}
	if d.cyclic {
		c.periods++
		c.notifyLocked(d, Result{Cookie: d.cookie, Residue: c.residueLocked(d)})
		return
	}
	c.retireLocked(d, nil)
	c.startNextLocked()
}

// Periods returns the number of periods the running cyclic transfer has
// completed
func (c *Channel) Periods() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.periods
}

// TxStatus reports the state of the descriptor with the given cookie and
// the bytes it has left to move
func (c *Channel) TxStatus(cookie Cookie) (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cookie <= 0 || cookie > c.lastCookie {
		return StateError, 0
	}
	if _, ok := c.failed[cookie]; ok {
		return StateError, 0
	}
	if cookie <= c.doneCookie {
		return StateComplete, 0
	}
	if d := c.active; d != nil && d.cookie == cookie {
		state := StateInProgress
		if c.paused {
			state = StatePaused
		}
		return state, c.residueLocked(d)
	}
	for _, q := range [][]*Descriptor{c.issued, c.submitted} {
		for _, d := range q {
			if d.cookie == cookie {
				return StateInProgress, d.size
			}
		}
	}
	return StateInProgress, 0
}

// residueLocked derives the bytes left from the address register on the
// incrementing memory side
func (c *Channel) residueLocked(d *Descriptor) int {
	reg, side := uint32(regDstAddr), func(e *lli) uint64 { return e.dst }
	if d.dir == MemToDev {
		reg, side = regSrcAddr, func(e *lli) uint64 { return e.src }
	}
	pos := uint64(c.regs.Read32(reg))

	residue, found := 0, false
	for _, e := range d.entries {
		if found {
			residue += e.length
			continue
		}
		start := side(e)
		if pos >= start && pos < start+uint64(e.length) {
			residue = int(start + uint64(e.length) - pos)
			found = true
		}
	}
	if found {
		return residue
	}
	last := d.entries[len(d.entries)-1]
	if pos == side(last)+uint64(last.length) {
		return 0
	}
	return d.size
}

// Pause halts the running transfer
func (c *Channel) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: nothing to pause", c))
	}
	driver.SetBits(c.regs, regConfig, cfgH)
	c.paused = true
	return nil
}

// Resume continues a paused transfer
func (c *Channel) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused {
		return nil
	}
	driver.ClearBits(c.regs, regConfig, cfgH)
	c.paused = false
	return nil
}

// TerminateAll stops the hardware and discards every queued descriptor.
// The running one stays reserved until Synchronize.
func (c *Channel) TerminateAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allocated {
		return nil
	}
	c.stopLocked()

	if d := c.active; d != nil {
		c.active = nil
		c.failLocked(d.cookie, ErrTerminated)
		d.state = descTerminated
		c.terminated = append(c.terminated, d)
	}
	for _, q := range [][]*Descriptor{c.issued, c.submitted} {
		for _, d := range q {
			c.failLocked(d.cookie, ErrTerminated)
			d.state = descDone
			if d.flags&FlagReuse == 0 {
				c.releaseLocked(d)
			}
		}
	}
	c.issued, c.submitted = nil, nil
	return nil
}

// Synchronize waits until no interrupt handler or callback can still see a
// terminated descriptor, then releases terminated descriptors. It must not
// be called from a callback.
func (c *Channel) Synchronize() {
	c.ctrl.syncInterrupts()

	c.mu.Lock()
	w := c.work
	c.mu.Unlock()
	if w != nil {
		w.flush()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.terminated {
		if d.flags&FlagReuse != 0 {
			d.state = descDone
			continue
		}
		c.releaseLocked(d)
	}
	c.terminated = nil
}

// Idle reports whether nothing is running or queued
func (c *Channel) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == nil && len(c.issued) == 0 && len(c.submitted) == 0
}
