// Package dispatcher fans inbound gateway messages out to a bounded
// worker pool. Each message is copied into a buffer borrowed from a
// fixed-capacity pool, so memory and concurrent database pressure are
// both capped by configuration.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// MessageKind routes a decoded buffer to the right parser downstream.
type MessageKind int

const (
	KindTracking MessageKind = iota
	KindGatewayRegistration
	KindBeaconRegistration
	KindGatewayHealth
	KindBeaconHealth
)

// Message is one inbound unit of work: the reporting gateway's address
// and the raw wire record.
type Message struct {
	Kind      MessageKind
	GatewayIP string
	Payload   []byte
}

// Handler processes one message. The payload is only valid for the
// duration of the call; the backing buffer returns to the pool after.
type Handler func(ctx context.Context, msg Message)

// ErrStopped is returned by Submit after the dispatcher shut down.
var ErrStopped = errors.New("dispatcher stopped")

type job struct {
	kind      MessageKind
	gatewayIP string
	buf       []byte
	length    int
}

// Dispatcher owns the worker pool and the buffer pool.
type Dispatcher struct {
	handler Handler
	logger  *zap.Logger

	workers int
	bufPool chan []byte
	jobs    chan job

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New sizes the worker pool and buffer pool at construction; neither
// grows afterwards.
func New(workers, bufferSlots, bufferSize int, handler Handler, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		handler:  handler,
		logger:   logger,
		workers:  workers,
		bufPool:  make(chan []byte, bufferSlots),
		jobs:     make(chan job),
		stopChan: make(chan struct{}),
	}
	for i := 0; i < bufferSlots; i++ {
		d.bufPool <- make([]byte, bufferSize)
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("buffer_slots", cap(d.bufPool)),
	)
}

// Stop waits for in-flight work to finish. Submit calls racing with
// Stop return ErrStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Submit borrows a buffer, copies the message in, and hands it to a
// worker. When every worker is busy the caller waits rather than
// growing the queue; oversized payloads are rejected up front.
func (d *Dispatcher) Submit(ctx context.Context, msg Message) error {
	var buf []byte
	select {
	case <-d.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case buf = <-d.bufPool:
	}

	if len(msg.Payload) > len(buf) {
		d.bufPool <- buf
		return errors.New("payload exceeds buffer size")
	}
	n := copy(buf, msg.Payload)

	select {
	case <-d.stopChan:
		d.bufPool <- buf
		return ErrStopped
	case <-ctx.Done():
		d.bufPool <- buf
		return ctx.Err()
	case d.jobs <- job{kind: msg.Kind, gatewayIP: msg.GatewayIP, buf: buf, length: n}:
		return nil
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			return
		case j := <-d.jobs:
			d.process(id, j)
		}
	}
}

// process runs the handler and returns the borrowed buffer on every
// exit path, including handler panics.
func (d *Dispatcher) process(workerID int, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message handler panicked",
				zap.Int("worker", workerID),
				zap.Any("panic", r),
			)
		}
		d.bufPool <- j.buf
	}()

	ctx := context.Background()
	d.handler(ctx, Message{
		Kind:      j.kind,
		GatewayIP: j.gatewayIP,
		Payload:   j.buf[:j.length],
	})
}
