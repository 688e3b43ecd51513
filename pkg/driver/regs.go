package driver

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"periph.io/x/host/v3/pmem"
)

// Registers is 32-bit register access at byte offsets from a base.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Window is a memory-mapped register block. Every access is a single
// aligned 32-bit load or store.
type Window struct {
	mem    []byte
	base   uint64
	closer io.Closer
}

// NewWindow wraps an already mapped region whose physical base is base.
func NewWindow(mem []byte, base uint64) *Window {
	return &Window{mem: mem, base: base}
}

// MapWindow maps size bytes of physical address space at base through
// /dev/mem.
func MapWindow(base uint64, size int) (*Window, error) {
	if size <= 0 || size%4 != 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("mapping %#x: size %d", base, size))
	}
	view, err := pmem.Map(base, size)
	if err != nil {
		return nil, NewErrorWithCause(StatusMappingFailed, fmt.Sprintf("mapping %#x", base), err)
	}
	return &Window{mem: view.Bytes(), base: base, closer: view}, nil
}

// Base returns the physical base address of the window
func (w *Window) Base() uint64 {
	return w.base
}

// Size returns the window size in bytes
func (w *Window) Size() int {
	return len(w.mem)
}

func (w *Window) word(offset uint32) *uint32 {
	if offset%4 != 0 || int(offset)+4 > len(w.mem) {
		panic(fmt.Sprintf("register offset %#x outside window of %#x bytes", offset, len(w.mem)))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read32 reads the register at offset
func (w *Window) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(w.word(offset))
}

// Write32 writes the register at offset
func (w *Window) Write32(offset uint32, value uint32) {
	atomic.StoreUint32(w.word(offset), value)
}

// Close unmaps the window if it was mapped by MapWindow
func (w *Window) Close() error {
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	w.mem = nil
	return err
}

type subRegisters struct {
	parent Registers
	offset uint32
}

func (s subRegisters) Read32(offset uint32) uint32 {
	return s.parent.Read32(s.offset + offset)
}

func (s subRegisters) Write32(offset uint32, value uint32) {
	s.parent.Write32(s.offset+offset, value)
}

// Sub returns a view of r whose offset 0 is at offset in r.
func Sub(r Registers, offset uint32) Registers {
	if s, ok := r.(subRegisters); ok {
		return subRegisters{parent: s.parent, offset: s.offset + offset}
	}
	return subRegisters{parent: r, offset: offset}
}

// SetBits sets bits in the register at offset.
func SetBits(r Registers, offset, bits uint32) {
	r.Write32(offset, r.Read32(offset)|bits)
}

// ClearBits clears bits in the register at offset.
func ClearBits(r Registers, offset, bits uint32) {
	r.Write32(offset, r.Read32(offset)&^bits)
}

// UpdateBits replaces the field selected by mask with value.
func UpdateBits(r Registers, offset, mask, value uint32) {
	r.Write32(offset, r.Read32(offset)&^mask|value&mask)
}
