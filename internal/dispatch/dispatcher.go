package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/g960059/cwe/internal/logging"
)

var ErrNoHandler = errors.New("no handler")

// Kind names a message class. Handlers are registered per kind.
type Kind string

// KindFunc is the kind used by Post for plain closures.
const KindFunc Kind = "func"

// Message is one unit of work for the single writer.
type Message struct {
	Kind    Kind
	Payload any
}

type Handler func(ctx context.Context, msg Message) error

// Dispatcher serializes every mutation of case state onto one execution
// context. Send and Post may be called from any goroutine and never
// block; handlers run one at a time, in arrival order, on whichever
// goroutine runs Run or Drain.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []Message
	wake     chan struct{}
	handlers map[Kind][]Handler
	onError  func(Message, error)
	log      *slog.Logger
}

func New() *Dispatcher {
	d := &Dispatcher{
		wake:     make(chan struct{}, 1),
		handlers: map[Kind][]Handler{},
		log:      logging.New("dispatch"),
	}
	d.Handle(KindFunc, func(ctx context.Context, msg Message) error {
		fn, ok := msg.Payload.(func(context.Context))
		if !ok {
			return fmt.Errorf("func message carries %T", msg.Payload)
		}
		fn(ctx)
		return nil
	})
	return d
}

// Handle registers h for kind. Registration must happen before Run.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
}

// OnError installs a callback for handler errors; by default they are
// logged.
func (d *Dispatcher) OnError(fn func(Message, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

func (d *Dispatcher) Send(msg Message) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the single writer.
func (d *Dispatcher) Post(fn func(ctx context.Context)) {
	d.Send(Message{Kind: KindFunc, Payload: fn})
}

// Len returns the number of queued messages.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drain runs queued messages on the calling goroutine until the queue is
// empty, including messages queued by the handlers themselves. It
// returns the number of messages handled.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		msg, ok := d.next()
		if !ok {
			return n
		}
		d.deliver(ctx, msg)
		n++
	}
}

// Run handles messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Message{}, false
	}
	msg := d.queue[0]
	d.queue[0] = Message{}
	d.queue = d.queue[1:]
	return msg, true
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	d.mu.Lock()
	handlers := d.handlers[msg.Kind]
	onError := d.onError
	d.mu.Unlock()

	if len(handlers) == 0 {
		d.report(onError, msg, fmt.Errorf("%w for %s", ErrNoHandler, msg.Kind))
		return
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			d.report(onError, msg, err)
		}
	}
}

func (d *Dispatcher) report(onError func(Message, error), msg Message, err error) {
	if onError != nil {
		onError(msg, err)
		return
	}
	d.log.Warn("handler failed", slog.String("kind", string(msg.Kind)), slog.Any("err", err))
}
