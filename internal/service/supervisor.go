package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kms-go/mediaserver/internal/model"
	"github.com/kms-go/mediaserver/internal/server"
)

var (
	ErrServiceStopped = errors.New("service stopped")
	ErrNoHandler      = errors.New("no handler for service")
	ErrAlreadyStarted = errors.New("supervisor already started")
)

type Supervisor struct {
	cfg     model.Config
	runners []*server.Runner
	byName  map[string]*server.Runner
	started atomic.Bool
}

// New validates cfg and creates one runner per known service. Every enabled
// service needs a handler.
func New(cfg model.Config, handlers map[string]server.Handler) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	s := &Supervisor{
		cfg:    cfg,
		byName: make(map[string]*server.Runner),
	}
	for _, spec := range cfg.Specs() {
		h := handlers[spec.Name]
		if spec.Enabled && h == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, spec.Name)
		}
		r := server.NewRunner(spec.Name, cfg, h)
		s.runners = append(s.runners, r)
		s.byName[spec.Name] = r
	}
	return s, nil
}

// Runner returns the runner of a named service or nil.
func (s *Supervisor) Runner(name string) *server.Runner {
	return s.byName[name]
}

func (s *Supervisor) Status() []server.Status {
	ret := make([]server.Status, 0, len(s.runners))
	for _, r := range s.runners {
		ret = append(ret, r.Status())
	}
	return ret
}

// Start launches all runners in parallel and blocks until the primary service
// stops, a service stops under the "exit" policy or ctx is cancelled. The
// remaining runners are then closed and awaited for at most the configured
// shutdown timeout.
//
// Start returns nil when the primary service was closed or ctx cancelled,
// the primary's error when it failed, and an error wrapping
// ErrServiceStopped when the "exit" policy ends the process.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	slog.InfoContext(ctx, "starting supervisor", "services", len(s.runners), "on_service_stop", s.cfg.OnServiceStop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// every runner reports here exactly once, buffered so nobody blocks after
	// the supervisor stopped reading
	results := make(chan server.Result, len(s.runners))
	var g errgroup.Group
	for _, r := range s.runners {
		g.Go(func() error {
			results <- r.Run(runCtx)
			return nil
		})
	}

	scheduler, err := newScheduler(ctx, s.cfg.Supervisor.Status, func() { s.reportStatus(ctx) })
	if err != nil {
		slog.ErrorContext(ctx, "status reporting disabled", "error", err)
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	err = s.watch(ctx, results)
	cancel()
	s.wait(ctx, &g)
	slog.InfoContext(ctx, "supervisor stopped", "error", err)
	return err
}

func (s *Supervisor) watch(ctx context.Context, results <-chan server.Result) error {
	for range len(s.runners) {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "supervisor cancelled: stopping services")
			return nil
		case res := <-results:
			if stop, err := s.handle(ctx, res); stop {
				return err
			}
		}
	}
	return nil
}

// handle reacts to one runner termination and tells if the supervisor
// should stop.
func (s *Supervisor) handle(ctx context.Context, res server.Result) (bool, error) {
	attrs := []any{"service", res.Service, "reason", res.Reason.String()}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
	}

	// runners stopping because of a signal are not failures
	if ctx.Err() != nil {
		slog.InfoContext(ctx, "supervisor cancelled: stopping services", attrs...)
		return true, nil
	}

	if res.Service == model.PrimaryService {
		if res.Err != nil {
			slog.ErrorContext(ctx, "primary service failed: exiting", attrs...)
			return true, fmt.Errorf("primary service %s: %w", res.Service, res.Err)
		}
		slog.InfoContext(ctx, "primary service stopped: exiting", attrs...)
		return true, nil
	}

	if res.Reason == server.ReasonDisabled {
		slog.DebugContext(ctx, "service not started", attrs...)
		return false, nil
	}

	if s.cfg.OnServiceStop() == model.OnServiceStopExit {
		slog.ErrorContext(ctx, "service stopped: exiting", attrs...)
		return true, errors.Join(
			fmt.Errorf("%w: %s (%s)", ErrServiceStopped, res.Service, res.Reason),
			res.Err,
		)
	}
	slog.ErrorContext(ctx, "service stopped: continuing without it", attrs...)
	return false, nil
}

func (s *Supervisor) wait(ctx context.Context, g *errgroup.Group) {
	timeout := s.cfg.ShutdownTimeout()
	done := make(chan struct{})
	go func() {
		_ = g.Wait() // runners do not return an error
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.WarnContext(ctx, "services did not stop in time", "timeout", timeout.String())
	}
}

func (s *Supervisor) reportStatus(ctx context.Context) {
	for _, st := range s.Status() {
		slog.InfoContext(ctx, "service status",
			"service", st.Service,
			"state", st.State.String(),
			"addr", st.Addr,
			"accepted", st.Accepted,
			"workers", st.Pool.Size,
			"busy", st.Pool.Busy,
			"queued", st.Pool.Queued,
			"faults", st.Pool.Faults,
		)
	}
}

func newScheduler(ctx context.Context, cfgp *model.Status, report func()) (gocron.Scheduler, error) {
	if cfgp == nil || (cfgp.Every == "" && cfgp.Cron == "") {
		return nil, nil
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		schedule, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing supervisor.status.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "status report scheduled", "cron", cfg.Cron, "next", schedule.Next(time.Now()))
	default:
		d, err := model.ParseISODuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing supervisor.status.every: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "status report scheduled", "every", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(job, gocron.NewTask(report))
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
