package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kms-go/mediaserver/internal/log"
	"github.com/kms-go/mediaserver/internal/model"
	"github.com/kms-go/mediaserver/internal/pool"
)

var (
	ErrBind           = errors.New("bind failed")
	ErrAccept         = errors.New("accept failed")
	ErrAlreadyStarted = errors.New("runner already started")
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler serves one accepted connection: it frames requests and responses
// and dispatches them to the service implementation. ServeConn returns when
// the peer goes away or ctx is cancelled; the connection is closed by the
// runner afterwards.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

type HandlerFunc func(ctx context.Context, conn net.Conn) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}

// Runner owns the listener and the worker pool of one service.
type Runner struct {
	name    string
	cfg     model.Config
	handler Handler
	listen  func(ctx context.Context, network, address string) (net.Listener, error)

	state    atomic.Int32
	accepted atomic.Uint64
	started  atomic.Bool

	mx     sync.Mutex
	ln     net.Listener
	pool   *pool.Pool
	spec   model.ServiceSpec
	closed bool

	serving chan struct{}
	done    chan struct{}
}

func NewRunner(name string, cfg model.Config, handler Handler) *Runner {
	return &Runner{
		name:    name,
		cfg:     cfg,
		handler: handler,
		listen:  new(net.ListenConfig).Listen,
		serving: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Runner) Name() string {
	return r.name
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

// Serving is closed once the runner accepts connections.
func (r *Runner) Serving() <-chan struct{} {
	return r.serving
}

// Done is closed once the runner reached Stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Addr returns the bound address, nil until the listener is bound. It keeps
// returning the address after the runner stopped.
func (r *Runner) Addr() net.Addr {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Close closes the listener, which makes Run return with reason Closed.
// Calling Close before Run makes Run stop right after binding.
func (r *Runner) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.closed = true
	if r.ln == nil {
		return nil
	}
	err := r.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (r *Runner) Status() Status {
	st := Status{
		Service:  r.name,
		State:    r.State(),
		Accepted: r.accepted.Load(),
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	st.Port = r.spec.Port
	if r.ln != nil {
		st.Addr = r.ln.Addr().String()
	}
	if r.pool != nil {
		st.Pool = r.pool.Stats()
	}
	return st
}

// Run drives the runner through Binding and Serving to Stopped and blocks
// until it gets there. Cancelling ctx closes the listener. A runner can run
// only once.
func (r *Runner) Run(ctx context.Context) Result {
	if !r.started.CompareAndSwap(false, true) {
		return Result{Service: r.name, Reason: ReasonFailed, Err: ErrAlreadyStarted}
	}
	ctx = log.ContextAttrs(ctx, slog.String("service", r.name))

	res := r.run(ctx)
	res.Service = r.name
	r.setState(Stopped)
	close(r.done)

	switch {
	case res.Reason == ReasonDisabled:
		// already reported
	case res.Err != nil:
		slog.ErrorContext(ctx, "service stopped", "reason", res.Reason.String(), "error", res.Err)
	default:
		slog.InfoContext(ctx, "service stopped", "reason", res.Reason.String())
	}
	return res
}

func (r *Runner) run(ctx context.Context) Result {
	r.setState(Binding)
	spec, err := r.cfg.Resolve(r.name)
	if err != nil {
		return Result{Reason: ReasonFailed, Err: err}
	}
	r.mx.Lock()
	r.spec = spec
	r.mx.Unlock()

	if !spec.Enabled {
		slog.WarnContext(ctx, "no port set in configuration: service disabled")
		return Result{Reason: ReasonDisabled}
	}

	slog.InfoContext(ctx, "starting service", "port", spec.Port, "workers", spec.PoolSize)
	ln, err := r.listen(ctx, "tcp", spec.Addr())
	if err != nil {
		return Result{Reason: ReasonBindFailed, Err: fmt.Errorf("%w: %s: %w", ErrBind, spec.Addr(), err)}
	}

	p, err := pool.New(ctx, spec.PoolSize)
	if err != nil {
		_ = ln.Close()
		return Result{Reason: ReasonPoolFailed, Err: err}
	}
	defer func() {
		_ = p.Close()
	}()

	r.mx.Lock()
	r.ln = ln
	r.pool = p
	closed := r.closed
	r.mx.Unlock()
	if closed {
		_ = ln.Close()
	}
	defer func() {
		_ = r.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = r.Close()
	})
	defer stop()

	r.setState(Serving)
	close(r.serving)
	slog.InfoContext(ctx, "service listening", "addr", ln.Addr().String())

	return r.acceptLoop(ctx, ln, p)
}

// acceptLoop hands every connection off to the pool and goes straight back
// to Accept. Temporary errors are retried with backoff the way net/http does.
func (r *Runner) acceptLoop(ctx context.Context, ln net.Listener, p *pool.Pool) Result {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return Result{Reason: ReasonClosed}
			}
			if temporary(err) {
				delay = nextDelay(delay)
				slog.WarnContext(ctx, "accept failed: retrying", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return Result{Reason: ReasonClosed}
				}
			}
			return Result{Reason: ReasonAcceptFailed, Err: fmt.Errorf("%w: %w", ErrAccept, err)}
		}
		delay = 0
		r.accepted.Add(1)

		connID := uuid.NewString()
		err = p.Submit(func(pctx context.Context) error {
			return r.serveConn(pctx, connID, conn)
		})
		if err != nil {
			slog.WarnContext(ctx, "dropping connection", "conn_id", connID, "error", err)
			_ = conn.Close()
		}
	}
}

func (r *Runner) serveConn(ctx context.Context, connID string, conn net.Conn) error {
	ctx = log.ContextAttrs(ctx,
		slog.String("conn_id", connID),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	defer func() {
		_ = conn.Close()
	}()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	slog.DebugContext(ctx, "serving connection")
	err := r.handler.ServeConn(ctx, conn)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("serving connection %s: %w", connID, err)
	}
	slog.DebugContext(ctx, "connection done")
	return nil
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}
