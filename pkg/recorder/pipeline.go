package recorder

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// queue is an unbounded FIFO with blocking consume. push never blocks so the
// capture goroutine can hand frames off at copy cost.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends item. Returns false if the queue is closed.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available. It keeps returning queued items
// after close and reports false only once the queue is closed and drained.
func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// pipeline runs an encoding goroutine and a writing goroutine connected by
// unbounded queues.
//
// Ownership: encode takes ownership of the submitted Frame (it must close
// or hand on frame.Image); write takes ownership of the encoded value.
type pipeline[E any] struct {
	encode func(Frame) (E, error)
	write  func(E) error

	encodeQ *queue[Frame]
	writeQ  *queue[E]

	encoding atomic.Int64
	writing  atomic.Int64

	failures atomic.Int64
	errMu    sync.Mutex
	firstErr error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPipeline[E any](encode func(Frame) (E, error), write func(E) error) *pipeline[E] {
	p := &pipeline[E]{
		encode:  encode,
		write:   write,
		encodeQ: newQueue[Frame](),
		writeQ:  newQueue[E](),
	}

	p.wg.Add(2)
	go p.encodeLoop()
	go p.writeLoop()

	return p
}

// submit queues a frame for encoding. Never blocks on encode or write.
func (p *pipeline[E]) submit(f Frame) error {
	p.encoding.Add(1)
	if !p.encodeQ.push(f) {
		p.encoding.Add(-1)
		f.Image.Close()
		return ErrClosed
	}
	return nil
}

func (p *pipeline[E]) encodeLoop() {
	defer p.wg.Done()
	// Writer sees close only after every encoded frame is queued.
	defer p.writeQ.close()

	for {
		f, ok := p.encodeQ.pop()
		if !ok {
			return
		}

		e, err := p.encode(f)
		if err != nil {
			p.fail(fmt.Errorf("encode frame %d: %w", f.Index, err))
		} else {
			p.writing.Add(1)
			p.writeQ.push(e)
		}
		p.encoding.Add(-1)
	}
}

func (p *pipeline[E]) writeLoop() {
	defer p.wg.Done()

	for {
		e, ok := p.writeQ.pop()
		if !ok {
			return
		}
		if err := p.write(e); err != nil {
			p.fail(err)
		}
		p.writing.Add(-1)
	}
}

func (p *pipeline[E]) fail(err error) {
	p.failures.Add(1)
	p.errMu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.errMu.Unlock()
}

// pending reports the queue depth of a stage.
func (p *pipeline[E]) pending(stage Stage) int {
	switch stage {
	case StageEncoding:
		return int(p.encoding.Load())
	case StageWriting:
		return int(p.writing.Load())
	}
	return 0
}

// close drains both stages and waits for the goroutines to exit.
// Returns the first failure, annotated with the failure count.
func (p *pipeline[E]) close() error {
	p.closeOnce.Do(func() {
		p.encodeQ.close()
		p.wg.Wait()
	})

	n := p.failures.Load()
	if n == 0 {
		return nil
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return fmt.Errorf("%d frames failed: %w", n, p.firstErr)
}

// failed reports how many frames failed in either stage.
func (p *pipeline[E]) failed() int {
	return int(p.failures.Load())
}
