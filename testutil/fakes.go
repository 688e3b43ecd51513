package testutil

import (
	"fmt"
	"sync"

	"github.com/openbouffalo/bl808-hal/pkg/driver"
)

// Access is one recorded register access
type Access struct {
	Write  bool
	Offset uint32
	Value  uint32
}

// FakeRegisters implements driver.Registers over a map. Hooks let a test
// model register side effects (write-1-to-clear bits, FIFOs).
type FakeRegisters struct {
	mu      sync.Mutex
	words   map[uint32]uint32
	log     []Access
	onRead  map[uint32]func(stored uint32) uint32
	onWrite map[uint32]func(stored, value uint32) uint32
}

// NewFakeRegisters creates an empty register file
func NewFakeRegisters() *FakeRegisters {
	return &FakeRegisters{
		words:   make(map[uint32]uint32),
		onRead:  make(map[uint32]func(uint32) uint32),
		onWrite: make(map[uint32]func(uint32, uint32) uint32),
	}
}

// Read32 implements driver.Registers
func (r *FakeRegisters) Read32(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.words[offset]
	if hook := r.onRead[offset]; hook != nil {
		v = hook(v)
	}
	r.log = append(r.log, Access{Offset: offset, Value: v})
	return v
}

// Write32 implements driver.Registers
func (r *FakeRegisters) Write32(offset uint32, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log = append(r.log, Access{Write: true, Offset: offset, Value: value})
	if hook := r.onWrite[offset]; hook != nil {
		value = hook(r.words[offset], value)
	}
	r.words[offset] = value
}

// Peek returns a stored word without recording an access
func (r *FakeRegisters) Peek(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.words[offset]
}

// Poke stores a word without recording an access or running hooks
func (r *FakeRegisters) Poke(offset, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.words[offset] = value
}

// Modify atomically rewrites a stored word
func (r *FakeRegisters) Modify(offset uint32, f func(uint32) uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.words[offset] = f(r.words[offset])
}

// OnRead installs a hook that computes the value returned for offset from
// the stored word. Hooks run with the register lock held.
func (r *FakeRegisters) OnRead(offset uint32, hook func(stored uint32) uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRead[offset] = hook
}

// OnWrite installs a hook that computes the stored word from a write
func (r *FakeRegisters) OnWrite(offset uint32, hook func(stored, value uint32) uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWrite[offset] = hook
}

// Accesses returns a copy of the access log
func (r *FakeRegisters) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.log...)
}

// Writes returns the values written to offset, in order
func (r *FakeRegisters) Writes(offset uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var values []uint32
	for _, a := range r.log {
		if a.Write && a.Offset == offset {
			values = append(values, a.Value)
		}
	}
	return values
}

// ResetLog clears the access log
func (r *FakeRegisters) ResetLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
}

// FakeInterrupts implements driver.InterruptController. Fire delivers an
// interrupt synchronously on the caller's goroutine.
type FakeInterrupts struct {
	table    driver.LineTable
	mu       sync.Mutex
	failOn   map[int]bool
	requests []int
	freed    []int
}

// NewFakeInterrupts creates a fake interrupt controller
func NewFakeInterrupts() *FakeInterrupts {
	return &FakeInterrupts{failOn: make(map[int]bool)}
}

// SetFailOnRequest makes Request fail for irq
func (f *FakeInterrupts) SetFailOnRequest(irq int, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[irq] = fail
}

// Request implements driver.InterruptController
func (f *FakeInterrupts) Request(irq int, name string, shared bool, h driver.InterruptHandler) error {
	f.mu.Lock()
	fail := f.failOn[irq]
	f.mu.Unlock()
	if fail {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("fake irq %d", irq))
	}
	if _, _, err := f.table.Add(irq, name, shared, h); err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, irq)
	f.mu.Unlock()
	return nil
}

// Free implements driver.InterruptController
func (f *FakeInterrupts) Free(irq int, h driver.InterruptHandler) error {
	if _, _, err := f.table.Remove(irq, h); err != nil {
		return err
	}
	f.mu.Lock()
	f.freed = append(f.freed, irq)
	f.mu.Unlock()
	return nil
}

// Fire delivers one interrupt on irq. It reports whether any handler was
// attached.
func (f *FakeInterrupts) Fire(irq int) bool {
	l := f.table.Line(irq)
	if l == nil {
		return false
	}
	l.Dispatch()
	return true
}

// Requested reports whether irq currently has handlers
func (f *FakeInterrupts) Requested(irq int) bool {
	return f.table.Line(irq) != nil
}

// Requests returns every successfully requested irq, in order
func (f *FakeInterrupts) Requests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requests...)
}

// Freed returns every freed irq, in order
func (f *FakeInterrupts) Freed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.freed...)
}

// FakeBuffer is heap memory posing as coherent memory
type FakeBuffer struct {
	mem    []byte
	phys   uint64
	owner  *FakeAllocator
	closed bool
}

// Bytes implements driver.Buffer
func (b *FakeBuffer) Bytes() []byte { return b.mem }

// PhysAddr implements driver.Buffer
func (b *FakeBuffer) PhysAddr() uint64 { return b.phys }

// Close implements driver.Buffer
func (b *FakeBuffer) Close() error {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.owner.live--
	}
	return nil
}

// FakeAllocator implements driver.Allocator with page-aligned fake bus
// addresses, and can translate them back for tests that inspect memory
// the driver handed to hardware.
type FakeAllocator struct {
	mu        sync.Mutex
	next      uint64
	buffers   []*FakeBuffer
	live      int
	failAfter int
}

// NewFakeAllocator creates an allocator handing out bus addresses from
// base upward
func NewFakeAllocator(base uint64) *FakeAllocator {
	return &FakeAllocator{next: base, failAfter: -1}
}

// SetFailAfter makes allocations fail once n more have succeeded. A
// negative n disables failure.
func (a *FakeAllocator) SetFailAfter(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
}

// Alloc implements driver.Allocator
func (a *FakeAllocator) Alloc(size int) (driver.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failAfter == 0 {
		return nil, driver.NewError(driver.StatusOutOfMemory, fmt.Sprintf("fake alloc of %d bytes", size))
	}
	if a.failAfter > 0 {
		a.failAfter--
	}
	size = (size + driver.PageSize - 1) &^ (driver.PageSize - 1)
	b := &FakeBuffer{mem: make([]byte, size), phys: a.next, owner: a}
	a.next += uint64(size)
	a.buffers = append(a.buffers, b)
	a.live++
	return b, nil
}

// Live returns the number of buffers not yet closed
func (a *FakeAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Resolve returns the memory backing bus address phys, n bytes long
func (a *FakeAllocator) Resolve(phys uint64, n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.buffers {
		if phys >= b.phys && phys+uint64(n) <= b.phys+uint64(len(b.mem)) {
			off := int(phys - b.phys)
			return b.mem[off : off+n]
		}
	}
	return nil
}
