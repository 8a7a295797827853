package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/knadh/otpmail/pkg/models"
	"github.com/zerodha/logf"
)

var (
	// ErrQueueFull is returned when the delivery queue is full.
	// The message is dropped.
	ErrQueueFull = errors.New("delivery queue is full")

	// ErrClosed is returned when dispatching on a closed Async.
	ErrClosed = errors.New("dispatcher is closed")
)

// Sender sends a single message.
type Sender interface {
	Dispatch(ctx context.Context, msg models.Message) error
}

// AsyncOpt holds the Async dispatcher options.
type AsyncOpt struct {
	Workers   int           `json:"workers"`
	QueueSize int           `json:"queue_size"`
	Timeout   time.Duration `json:"timeout"`
}

// Async queues messages and delivers them on a pool of background
// workers so that callers never wait on a slow provider. Delivery
// errors are logged.
type Async struct {
	s   Sender
	opt AsyncOpt
	lo  logf.Logger

	q      chan models.Message
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the workers and returns an Async dispatcher.
func NewAsync(s Sender, o AsyncOpt, lo logf.Logger) *Async {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueSize < 1 {
		o.QueueSize = 1000
	}
	if o.Timeout.Seconds() < 1 {
		o.Timeout = time.Second * 10
	}

	a := &Async{
		s:   s,
		opt: o,
		lo:  lo,
		q:   make(chan models.Message, o.QueueSize),
	}

	for i := 0; i < o.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	return a
}

// Dispatch enqueues a message without blocking.
func (a *Async) Dispatch(ctx context.Context, msg models.Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.q <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for the queued ones to be
// delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.q)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Async) worker() {
	defer a.wg.Done()

	for msg := range a.q {
		ctx, cancel := context.WithTimeout(context.Background(), a.opt.Timeout)
		if err := a.s.Dispatch(ctx, msg); err != nil {
			a.lo.Error("error sending OTP", "error", err, "purpose", msg.Purpose)
		}
		cancel()
	}
}
