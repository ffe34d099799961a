// Package dispatch routes decoded envelopes to handlers registered per signal.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// ErrUnhandledSignal is reported when no handler is registered for a signal, no
// default handler is configured, and the unhandled policy is ErrorUnhandled.
var ErrUnhandledSignal = errors.New("unhandled signal")

// HandlerError wraps a downstream handler failure, including recovered panics.
type HandlerError struct {
	Signal command.Signal
	// Index is the process list position that failed, or -1.
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("handler for %q failed at item %d: %v", e.Signal, e.Index, e.Err)
	}
	return fmt.Sprintf("handler for %q failed: %v", e.Signal, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Request is one handler invocation. Envelopes carrying a process command list
// produce one Request per element, in list order.
type Request struct {
	Envelope command.Envelope
	// Index is the element position for process list deliveries, or -1.
	Index int
	// Process is the element being delivered when Index >= 0.
	Process command.ProcessCommand
}

// Handler serves dispatched requests.
type Handler interface {
	Serve(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, req Request) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req Request) error { return f(ctx, req) }

// UnhandledPolicy selects the outcome for envelopes no handler accepts.
type UnhandledPolicy int

const (
	// DropUnhandled discards the envelope silently.
	DropUnhandled UnhandledPolicy = iota
	// ErrorUnhandled reports ErrUnhandledSignal.
	ErrorUnhandled
)

// ParseUnhandledPolicy maps "drop" or "error" to an UnhandledPolicy.
func ParseUnhandledPolicy(s string) (UnhandledPolicy, error) {
	switch s {
	case "drop":
		return DropUnhandled, nil
	case "error":
		return ErrorUnhandled, nil
	}
	return DropUnhandled, fmt.Errorf("unknown unhandled policy %q: want drop or error", s)
}

// State is a per-envelope dispatch state.
type State int

// An envelope starts Idle, waits in AwaitingHandler during lookup, and reaches
// Dispatched once a handler has been invoked. An envelope nobody handles never
// leaves AwaitingHandler.
const (
	StateIdle State = iota
	StateAwaitingHandler
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandler:
		return "awaiting_handler"
	case StateDispatched:
		return "dispatched"
	}
	return "idle"
}

// Outcome summarizes one Dispatch call.
type Outcome struct {
	Signal command.Signal
	State  State
	// Delivered counts handler invocations that returned without error.
	Delivered int
	// Err is nil, an ErrUnhandledSignal wrap, or a *HandlerError.
	Err error
}

// ErrorObserver receives handler failures. It is the side channel through which
// dispatch reports errors without propagating them to the command stream.
type ErrorObserver func(sig command.Signal, err error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefault sets the handler used when no signal-specific handler is registered.
func WithDefault(h Handler) Option {
	return func(d *Dispatcher) { d.fallback = h }
}

// WithUnhandledPolicy sets what happens when neither a registered nor a default
// handler exists.
func WithUnhandledPolicy(p UnhandledPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithErrorObserver installs the onHandlerError side channel.
func WithErrorObserver(fn ErrorObserver) Option {
	return func(d *Dispatcher) { d.observer = fn }
}

// Dispatcher maps signals to handlers. The lock guards only the handler table;
// handlers are always invoked without holding it, so a handler may itself
// register handlers or dispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[command.Signal]Handler
	fallback Handler

	policy   UnhandledPolicy
	observer ErrorObserver
	logger   *zap.Logger
}

// New creates a Dispatcher with no handlers.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[command.Signal]Handler),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs h for sig. Registering a signal twice replaces the earlier
// handler; tests and extensions rely on this to override built-in handling.
//
// Precondition: sig must be non-empty; h must be non-nil.
func (d *Dispatcher) Register(sig command.Signal, h Handler) {
	d.mu.Lock()
	_, replaced := d.handlers[sig]
	d.handlers[sig] = h
	d.mu.Unlock()

	if replaced {
		d.logger.Info("dispatch: handler overridden", zap.String("signal", string(sig)))
	}
}

// RegisterFunc installs fn for sig.
func (d *Dispatcher) RegisterFunc(sig command.Signal, fn func(ctx context.Context, req Request) error) {
	d.Register(sig, HandlerFunc(fn))
}

// SetDefault replaces the default handler. A nil h removes it.
func (d *Dispatcher) SetDefault(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Signals returns the signals with a registered handler, sorted.
func (d *Dispatcher) Signals() []command.Signal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]command.Signal, 0, len(d.handlers))
	for sig := range d.handlers {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dispatcher) lookup(sig command.Signal) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[sig]; ok {
		return h
	}
	return d.fallback
}

// Dispatch delivers env to its handler and runs to completion on the caller's
// goroutine. It never panics and never propagates handler failures: they are
// reported to the error observer and summarized in the Outcome. A process command
// list is delivered element by element and stops at the first failing element.
//
// Postcondition: Returns an Outcome whose Err is nil, wraps ErrUnhandledSignal, or
// is a *HandlerError.
func (d *Dispatcher) Dispatch(ctx context.Context, env command.Envelope) Outcome {
	out := Outcome{Signal: env.Signal, State: StateAwaitingHandler}
	start := time.Now()

	h := d.lookup(env.Signal)
	if h == nil {
		if d.policy == ErrorUnhandled {
			out.Err = fmt.Errorf("%w: %q", ErrUnhandledSignal, env.Signal)
		}
		d.logger.Debug("dispatch: no handler",
			zap.String("signal", string(env.Signal)),
			zap.Bool("dropped", out.Err == nil),
		)
		return out
	}
	out.State = StateDispatched

	if list, ok := env.ProcessCommands(); ok {
		for i, pc := range list {
			if err := d.invoke(ctx, h, Request{Envelope: env, Index: i, Process: pc}); err != nil {
				out.Err = d.report(env.Signal, i, err)
				d.logger.Warn("dispatch: aborting process list",
					zap.String("signal", string(env.Signal)),
					zap.Int("failed_index", i),
					zap.Int("skipped", len(list)-i-1),
				)
				return out
			}
			out.Delivered++
		}
	} else {
		if err := d.invoke(ctx, h, Request{Envelope: env, Index: -1}); err != nil {
			out.Err = d.report(env.Signal, -1, err)
			return out
		}
		out.Delivered = 1
	}

	d.logger.Debug("dispatch: delivered",
		zap.String("signal", string(env.Signal)),
		zap.Int("deliveries", out.Delivered),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Serve(ctx, req)
}

func (d *Dispatcher) report(sig command.Signal, index int, err error) error {
	herr := &HandlerError{Signal: sig, Index: index, Err: err}
	d.logger.Warn("dispatch: handler failed",
		zap.String("signal", string(sig)),
		zap.Int("index", index),
		zap.Error(err),
	)
	if d.observer != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("dispatch: error observer panicked", zap.Any("panic", r))
				}
			}()
			d.observer(sig, herr)
		}()
	}
	return herr
}
