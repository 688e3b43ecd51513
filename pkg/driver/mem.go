package driver

import (
	"fmt"
	"sync"

	"github.com/platinasystems/log"
	"periph.io/x/host/v3/pmem"
)

// PageSize is the allocation granule for coherent memory
const PageSize = 4096

// Buffer is a physically contiguous region visible to bus masters.
type Buffer interface {
	Bytes() []byte
	PhysAddr() uint64
	Close() error
}

// Allocator hands out coherent buffers.
type Allocator interface {
	Alloc(size int) (Buffer, error)
}

// PmemAllocator allocates uncached, physically contiguous memory through
// periph's pmem.
type PmemAllocator struct{}

// Alloc implements Allocator. Sizes round up to whole pages.
func (PmemAllocator) Alloc(size int) (Buffer, error) {
	if size <= 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("alloc of %d bytes", size))
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	m, err := pmem.Alloc(size)
	if err != nil {
		return nil, NewErrorWithCause(StatusOutOfMemory, fmt.Sprintf("alloc of %d bytes", size), err)
	}
	return m, nil
}

// Block is one fixed-size piece of a Pool.
type Block struct {
	Bytes []byte
	Phys  uint64
	index int
}

// Pool carves one coherent buffer into equal aligned blocks. Get never
// grows the pool; exhaustion is reported as StatusOutOfMemory.
type Pool struct {
	name      string
	buf       Buffer
	blockSize int
	blocks    []Block
	free      []int
	mu        sync.Mutex
	closed    bool
}

// NewPool allocates count blocks of blockSize bytes, each aligned to align
// bytes in bus address space. align must be a power of two.
func NewPool(a Allocator, name string, blockSize, align, count int) (*Pool, error) {
	if blockSize <= 0 || count <= 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("pool %s: %d blocks of %d bytes", name, count, blockSize))
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("pool %s: alignment %d", name, align))
	}
	stride := (blockSize + align - 1) &^ (align - 1)

	buf, err := a.Alloc(stride*count + align)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}

	mem := buf.Bytes()
	skip := int((uint64(align) - buf.PhysAddr()%uint64(align)) % uint64(align))
	if skip+stride*count > len(mem) {
		buf.Close()
		return nil, NewError(StatusOutOfMemory, fmt.Sprintf("pool %s: short buffer", name))
	}

	p := &Pool{
		name:      name,
		buf:       buf,
		blockSize: blockSize,
		blocks:    make([]Block, count),
		free:      make([]int, 0, count),
	}
	for i := range p.blocks {
		off := skip + i*stride
		p.blocks[i] = Block{
			Bytes: mem[off : off+blockSize : off+blockSize],
			Phys:  buf.PhysAddr() + uint64(off),
			index: i,
		}
	}
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// Get takes a zeroed block from the pool
func (p *Pool) Get() (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("pool %s: closed", p.name))
	}
	if len(p.free) == 0 {
		return nil, NewError(StatusOutOfMemory, fmt.Sprintf("pool %s: exhausted", p.name))
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := &p.blocks[i]
	clear(b.Bytes)
	return b, nil
}

// Put returns a block to the pool
func (p *Pool) Put(b *Block) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || b.index >= len(p.blocks) || &p.blocks[b.index] != b {
		return
	}
	p.free = append(p.free, b.index)
}

// Available returns the number of free blocks
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Cap returns the total number of blocks
func (p *Pool) Cap() int {
	return len(p.blocks)
}

// BlockSize returns the usable size of each block
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Close releases the backing buffer. Blocks still out are invalid
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if outstanding := len(p.blocks) - len(p.free); outstanding > 0 {
		log.Printf("warn", "pool %s: closed with %d blocks in use", p.name, outstanding)
	}
	p.free = nil
	return p.buf.Close()
}
