package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
)

// maxBusAddr is the highest address the 32-bit engine can reach
const maxBusAddr = 0xffffffff

// Flags modify how a prepared descriptor behaves
type Flags uint32

const (
	// FlagInterrupt runs the descriptor callback on completion, or on
	// every period of a cyclic transfer
	FlagInterrupt Flags = 1 << iota
	// FlagReuse keeps a completed descriptor so it can be submitted again.
	// The owner releases it with Free.
	FlagReuse
)

// Cookie identifies a submitted descriptor. Cookies increase
// monotonically per channel; zero is never assigned.
type Cookie int64

// State of a transfer as reported by TxStatus
type State int

const (
	StateComplete State = iota
	StateInProgress
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateComplete:
		return "complete"
	case StateInProgress:
		return "in progress"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result is handed to descriptor callbacks
type Result struct {
	Cookie  Cookie
	Err     error
	Residue int
}

// lli is one linked list item: a 16-byte record the engine fetches from
// coherent memory, kept alongside the fields it was built from.
type lli struct {
	block   *driver.Block
	src     uint64
	dst     uint64
	length  int
	control uint32
}

func (e *lli) phys() uint64 {
	return e.block.Phys
}

// write stores the hardware record with next as the following item
func (e *lli) write(next uint64) {
	b := e.block.Bytes
	binary.LittleEndian.PutUint32(b[0:], uint32(e.src))
	binary.LittleEndian.PutUint32(b[4:], uint32(e.dst))
	binary.LittleEndian.PutUint32(b[8:], uint32(next))
	binary.LittleEndian.PutUint32(b[12:], e.control)
}

type descState int

const (
	descPrepared descState = iota
	descSubmitted
	descIssued
	descActive
	descTerminated
	descDone
	descFreed
)

// Descriptor is a prepared transfer owned by one channel
type Descriptor struct {
	ch       *Channel
	dir      Direction
	entries  []*lli
	config   uint32
	size     int
	periods  int
	cyclic   bool
	flags    Flags
	cookie   Cookie
	state    descState
	callback func(Result)
}

// Cookie returns the cookie assigned at Submit, zero before
func (d *Descriptor) Cookie() Cookie {
	d.ch.mu.Lock()
	defer d.ch.mu.Unlock()
	return d.cookie
}

// Size returns the total bytes the descriptor moves per pass
func (d *Descriptor) Size() int {
	return d.size
}

// Entries returns the number of linked list items
func (d *Descriptor) Entries() int {
	return len(d.entries)
}

// Cyclic reports whether the descriptor loops until terminated
func (d *Descriptor) Cyclic() bool {
	return d.cyclic
}

// SetCallback installs the function run on the channel's worker when the
// descriptor completes (or each period, when cyclic). It has effect only
// with FlagInterrupt.
func (d *Descriptor) SetCallback(cb func(Result)) {
	d.ch.mu.Lock()
	defer d.ch.mu.Unlock()
	d.callback = cb
}

// Submit queues the descriptor on its channel and returns its cookie. The
// transfer does not start before IssuePending.
func (d *Descriptor) Submit() (Cookie, error) {
	c := d.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allocated {
		return 0, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: channel not allocated", c))
	}
	if d.state != descPrepared && !(d.state == descDone && d.flags&FlagReuse != 0) {
		return 0, driver.NewError(driver.StatusBusy, fmt.Sprintf("%s: descriptor already submitted", c))
	}
	c.lastCookie++
	d.cookie = c.lastCookie
	d.state = descSubmitted
	c.submitted = append(c.submitted, d)
	return d.cookie, nil
}

// Free returns a descriptor's entries to the channel pool. Only idle
// descriptors (never submitted, or finished with FlagReuse) can be freed.
func (d *Descriptor) Free() error {
	c := d.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	switch d.state {
	case descPrepared, descDone:
		c.releaseLocked(d)
		return nil
	case descFreed:
		return nil
	}
	return driver.NewError(driver.StatusBusy, fmt.Sprintf("%s: descriptor %d in flight", c, d.cookie))
}

// builder accumulates entries for one descriptor
type builder struct {
	ch      *Channel
	d       *Descriptor
	entries []*lli
}

func (c *Channel) newBuilder(dir Direction, flags Flags) *builder {
	return &builder{
		ch: c,
		d:  &Descriptor{ch: c, dir: dir, flags: flags},
	}
}

// maxEntryBytes is the per-entry limit for a width and burst: the transfer
// size field's worth of units, rounded down to whole bursts.
func (c *Channel) maxEntryBytes(width BusWidth, burst Burst) int {
	units := ctrlTransferSizeMask
	if c.lite {
		units = liteTransferSizeMask
	}
	units -= units % int(burst)
	return units * int(width)
}

// add appends entries covering length bytes, splitting at the per-entry
// limit. Incrementing sides advance across entries.
func (b *builder) add(src, dst uint64, length int, ctl control) error {
	width := ctl.srcWidth
	if length <= 0 || length%int(width) != 0 {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: length %d is not a multiple of %s", b.ch, length, width))
	}
	if src+uint64(length) > maxBusAddr+1 || dst+uint64(length) > maxBusAddr+1 {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: transfer 0x%x->0x%x beyond 32-bit bus", b.ch, src, dst))
	}
	max := b.ch.maxEntryBytes(width, ctl.srcBurst)
	for length > 0 {
		n := min(length, max)
		blk, err := b.ch.pool.Get()
		if err != nil {
			return err
		}
		ctl.units = uint32(n / int(width))
		ctl.irq = false
		b.entries = append(b.entries, &lli{
			block:   blk,
			src:     src,
			dst:     dst,
			length:  n,
			control: ctl.pack(),
		})
		if ctl.srcInc {
			src += uint64(n)
		}
		if ctl.dstInc {
			dst += uint64(n)
		}
		b.d.size += n
		length -= n
	}
	return nil
}

// markInterrupt sets the terminal count interrupt on the newest entry
func (b *builder) markInterrupt() {
	if n := len(b.entries); n > 0 {
		b.entries[n-1].control |= ctrlI
	}
}

// abort returns every entry taken so far to the pool
func (b *builder) abort() {
	for _, e := range b.entries {
		b.ch.pool.Put(e.block)
	}
	b.entries = nil
}

// finish links the entries into a chain, or a ring when cyclic, and
// computes the channel configuration word
func (b *builder) finish(cfg chanConfig, cyclic bool) *Descriptor {
	d := b.d
	d.entries = b.entries
	d.cyclic = cyclic
	for i, e := range d.entries {
		var next uint64
		switch {
		case i+1 < len(d.entries):
			next = d.entries[i+1].phys()
		case cyclic:
			next = d.entries[0].phys()
		}
		e.write(next)
	}
	cfg.flow = d.dir.flow()
	if cyclic {
		cfg.lliCounter = uint32(len(d.entries)) & maxLLICounter
	}
	d.config = cfg.pack()
	return d
}
