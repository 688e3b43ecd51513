package driver

import (
	"fmt"
	"sync"

	"github.com/platinasystems/log"
)

// InterruptHandler is called for every interrupt on a line it was
// registered for. Handlers on one line never run concurrently.
type InterruptHandler interface {
	HandleInterrupt(irq int)
}

// InterruptController hands out interrupt lines to drivers.
type InterruptController interface {
	// Request attaches h to irq. A line already in use can only be
	// requested again if both requests are shared.
	Request(irq int, name string, shared bool, h InterruptHandler) error
	// Free detaches h from irq. It does not return while h is running.
	Free(irq int, h InterruptHandler) error
}

type action struct {
	name    string
	handler InterruptHandler
}

// Line is the set of handlers attached to one interrupt number.
type Line struct {
	mu      sync.Mutex
	irq     int
	shared  bool
	actions []action
}

// IRQ returns the interrupt number of the line
func (l *Line) IRQ() int {
	return l.irq
}

// Dispatch runs every handler on the line, in request order.
func (l *Line) Dispatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.actions {
		a.handler.HandleInterrupt(l.irq)
	}
}

// Names returns the names handlers were requested with
func (l *Line) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.actions))
	for i, a := range l.actions {
		names[i] = a.name
	}
	return names
}

// LineTable tracks requested lines by interrupt number. It implements the
// bookkeeping half of an InterruptController; delivery is up to the owner.
type LineTable struct {
	mu    sync.Mutex
	lines map[int]*Line
}

// Add attaches a handler, creating the line on first use. It reports
// whether the line is new.
func (t *LineTable) Add(irq int, name string, shared bool, h InterruptHandler) (*Line, bool, error) {
	if irq < 0 {
		return nil, false, NewError(StatusInvalidArgument, fmt.Sprintf("irq %d", irq))
	}
	if h == nil {
		return nil, false, NewError(StatusInvalidArgument, fmt.Sprintf("irq %d: nil handler", irq))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lines == nil {
		t.lines = make(map[int]*Line)
	}
	l, ok := t.lines[irq]
	if !ok {
		l = &Line{irq: irq, shared: shared}
		l.actions = append(l.actions, action{name: name, handler: h})
		t.lines[irq] = l
		return l, true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !shared || !l.shared {
		return nil, false, NewError(StatusBusy, fmt.Sprintf("irq %d: requested by %s", irq, l.actions[0].name))
	}
	l.actions = append(l.actions, action{name: name, handler: h})
	return l, false, nil
}

// Remove detaches a handler, waiting for a running dispatch to finish. It
// reports whether the line is now unused and was dropped from the table.
func (t *LineTable) Remove(irq int, h InterruptHandler) (*Line, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lines[irq]
	if !ok {
		return nil, false, NewError(StatusNotFound, fmt.Sprintf("irq %d: not requested", irq))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.actions {
		if a.handler == h {
			l.actions = append(l.actions[:i], l.actions[i+1:]...)
			if len(l.actions) == 0 {
				delete(t.lines, irq)
				return l, true, nil
			}
			return l, false, nil
		}
	}
	log.Printf("warn", "irq %d: free of unknown handler", irq)
	return nil, false, NewError(StatusNotFound, fmt.Sprintf("irq %d: handler not requested", irq))
}

// Line returns the line for irq, or nil
func (t *LineTable) Line(irq int) *Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines[irq]
}

// UIOInterrupts delivers interrupts through one UIO device per line. Each
// requested line gets a reader goroutine that waits on the device,
// dispatches the handlers and re-arms the line.
type UIOInterrupts struct {
	table   LineTable
	mu      sync.Mutex
	paths   map[int]string
	readers map[int]*uioReader
}

type uioReader struct {
	dev  *UIODevice
	done chan struct{}
}

// NewUIOInterrupts creates a controller from an irq to /dev/uioN mapping
func NewUIOInterrupts(paths map[int]string) *UIOInterrupts {
	return &UIOInterrupts{
		paths:   paths,
		readers: make(map[int]*uioReader),
	}
}

// Request implements InterruptController
func (u *UIOInterrupts) Request(irq int, name string, shared bool, h InterruptHandler) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	path, ok := u.paths[irq]
	if !ok {
		return NewError(StatusNotFound, fmt.Sprintf("irq %d: no uio device", irq))
	}
	l, created, err := u.table.Add(irq, name, shared, h)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	dev, err := OpenUIO(path)
	if err != nil {
		u.table.Remove(irq, h)
		return err
	}
	if err := dev.EnableInterrupt(); err != nil {
		dev.Close()
		u.table.Remove(irq, h)
		return err
	}
	r := &uioReader{dev: dev, done: make(chan struct{})}
	u.readers[irq] = r
	go r.run(l)
	return nil
}

// Free implements InterruptController
func (u *UIOInterrupts) Free(irq int, h InterruptHandler) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	_, unused, err := u.table.Remove(irq, h)
	if err != nil {
		return err
	}
	if !unused {
		return nil
	}
	r := u.readers[irq]
	delete(u.readers, irq)
	if r == nil {
		return nil
	}
	r.dev.Wake()
	<-r.done
	return r.dev.Close()
}

func (r *uioReader) run(l *Line) {
	defer close(r.done)
	for {
		if _, err := r.dev.WaitInterrupt(); err != nil {
			if err != ErrClosed {
				log.Print("err", r.dev.Path(), ": ", err)
			}
			return
		}
		l.Dispatch()
		if err := r.dev.EnableInterrupt(); err != nil {
			log.Print("err", r.dev.Path(), ": ", err)
			return
		}
	}
}
