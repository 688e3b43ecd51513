package dma

import "sync"

// worker runs completion callbacks for one channel, in the order they were
// posted, on its own goroutine
type worker struct {
	mu      sync.Mutex
	queue   []func()
	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newWorker() *worker {
	w := &worker{
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// post queues f without blocking
func (w *worker) post(f func()) {
	w.mu.Lock()
	w.queue = append(w.queue, f)
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.kick:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *worker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		f := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		f()
	}
}

// flush waits until everything posted before the call has run. It must
// not be called from a callback.
func (w *worker) flush() {
	done := make(chan struct{})
	w.post(func() { close(done) })
	select {
	case <-done:
	case <-w.stopped:
	}
}

// close runs what is queued and stops the goroutine
func (w *worker) close() {
	close(w.stop)
	<-w.stopped
}
