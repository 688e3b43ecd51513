package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by WaitInterrupt after Wake.
var ErrClosed = errors.New("uio device closed")

// UIODevice represents an open /dev/uioN file descriptor
type UIODevice struct {
	fd   int
	path string
	wake [2]int
}

// OpenUIO opens a UIO device by path
func OpenUIO(path string) (*UIODevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if ok {
			return nil, StatusFromErrno(errno, "opening device "+path)
		}
		return nil, NewErrorWithCause(StatusOperationFailed, "opening device "+path, err)
	}
	d := &UIODevice{fd: fd, path: path}
	if err := unix.Pipe2(d.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, NewErrorWithCause(StatusOperationFailed, "creating wake pipe", err)
	}
	return d, nil
}

// Wake makes a blocked WaitInterrupt return ErrClosed
func (d *UIODevice) Wake() {
	unix.Write(d.wake[1], []byte{0})
}

// Close closes the device file. No WaitInterrupt may be in progress; call
// Wake and wait for the reader first.
func (d *UIODevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	unix.Close(d.wake[0])
	unix.Close(d.wake[1])
	err := unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return NewErrorWithCause(StatusOperationFailed, "closing device", err)
	}
	return nil
}

// Fd returns the file descriptor
func (d *UIODevice) Fd() int {
	return d.fd
}

// Path returns the device path
func (d *UIODevice) Path() string {
	return d.path
}

// Map maps UIO memory region index. The kernel selects region N through an
// mmap offset of N pages.
func (d *UIODevice) Map(index, size int) ([]byte, error) {
	offset := int64(index) * int64(os.Getpagesize())
	mem, err := unix.Mmap(d.fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, NewErrorWithCause(StatusMappingFailed, fmt.Sprintf("%s: map%d", d.path, index), err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map
func (d *UIODevice) Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return NewErrorWithCause(StatusOperationFailed, "munmap", err)
	}
	return nil
}

// EnableInterrupt re-arms the interrupt line
func (d *UIODevice) EnableInterrupt() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return NewErrorWithCause(StatusIOError, d.path+": enabling interrupt", err)
	}
	return nil
}

// WaitInterrupt blocks until the line fires and returns the kernel's
// running interrupt count.
func (d *UIODevice) WaitInterrupt() (uint32, error) {
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.wake[0]), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, NewErrorWithCause(StatusIOError, d.path+": poll", err)
		}
		if fds[1].Revents != 0 {
			return 0, ErrClosed
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		var buf [4]byte
		n, err := unix.Read(d.fd, buf[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, NewErrorWithCause(StatusIOError, d.path+": read", err)
		}
		if n != len(buf) {
			return 0, NewError(StatusIOError, fmt.Sprintf("%s: short read of %d bytes", d.path, n))
		}
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
}

type uioMapping struct {
	dev *UIODevice
	mem []byte
}

func (m uioMapping) Close() error {
	err := m.dev.Unmap(m.mem)
	if cerr := m.dev.Close(); err == nil {
		err = cerr
	}
	return err
}

// MapUIOWindow maps region index of the UIO device at path as a register
// window at physical address base. The kernel maps whole pages, so the
// window starts at base's offset into the first one.
func MapUIOWindow(path string, index int, base uint64, size int) (*Window, error) {
	if size <= 0 || size%4 != 0 {
		return nil, NewError(StatusInvalidArgument, fmt.Sprintf("%s: map%d size %d", path, index, size))
	}
	d, err := OpenUIO(path)
	if err != nil {
		return nil, err
	}
	off := int(base % uint64(os.Getpagesize()))
	mem, err := d.Map(index, off+size)
	if err != nil {
		d.Close()
		return nil, err
	}
	return &Window{mem: mem[off : off+size], base: base, closer: uioMapping{dev: d, mem: mem}}, nil
}
