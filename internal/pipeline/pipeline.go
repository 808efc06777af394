// Package pipeline wires the watcher, stability detector, concurrency limiter
// and dispatcher into one flow. One unit of work runs per accepted file; the
// deduplication registry guarantees at most one unit per path, and a weighted
// semaphore caps simultaneous dispatches.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/dispatch"
	"github.com/mattjoyce/dropwatch/internal/events"
	"github.com/mattjoyce/dropwatch/internal/history"
	"github.com/mattjoyce/dropwatch/internal/log"
	"github.com/mattjoyce/dropwatch/internal/registry"
	"github.com/mattjoyce/dropwatch/internal/stability"
	"github.com/mattjoyce/dropwatch/internal/watcher"
)

// StatusStabilityTimeout is recorded when a file never settles; no dispatch
// ever starts for it.
const StatusStabilityTimeout = "stability_timeout"

// Waiter blocks until a file stabilizes or the wait window closes.
type Waiter interface {
	Wait(ctx context.Context, path string) (stability.Verdict, error)
}

// Runner executes the external command for a stabilized file.
type Runner interface {
	Run(target config.WatchTarget, path string) dispatch.Outcome
}

// Recorder persists terminal outcomes. Optional.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) error
}

// Pipeline owns all shared state explicitly: the registry and the semaphore
// are injected objects, not process-wide globals.
type Pipeline struct {
	cfg      *config.Config
	reg      *registry.Registry
	detector Waiter
	runner   Runner
	hub      *events.Hub
	recorder Recorder
	slots    *semaphore.Weighted
	logger   *slog.Logger

	active    atomic.Int64
	wg        sync.WaitGroup
	listeners []*watcher.Listener
	errs      chan error
}

// New creates a Pipeline. recorder may be nil when history is disabled.
func New(cfg *config.Config, reg *registry.Registry, detector Waiter, runner Runner, hub *events.Hub, recorder Recorder) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		detector: detector,
		runner:   runner,
		hub:      hub,
		recorder: recorder,
		slots:    semaphore.NewWeighted(int64(cfg.Service.MaxConcurrent)),
		logger:   log.WithComponent("pipeline"),
		errs:     make(chan error, len(cfg.Targets)),
	}
}

// Start creates a listener per target and begins consuming events. It returns
// an error if any target's watch cannot be established; a target failing
// later is reported through Errors.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, target := range p.cfg.Targets {
		l, err := watcher.New(target)
		if err != nil {
			p.closeListeners()
			return fmt.Errorf("target %s: %w", target.Name, err)
		}
		p.listeners = append(p.listeners, l)
	}

	for i, target := range p.cfg.Targets {
		l := p.listeners[i]
		l.Start(ctx)
		p.wg.Add(1)
		go p.consume(ctx, target, l)
	}

	p.logger.Info("pipeline started",
		"targets", len(p.cfg.Targets),
		"max_concurrent", p.cfg.Service.MaxConcurrent)
	return nil
}

// Errors delivers fatal per-target failures (lost filesystem subscription).
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// Wait blocks until every in-flight unit of work has finished. Call after
// cancelling the context passed to Start: intake stops, in-flight files run
// to completion.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.closeListeners()
}

func (p *Pipeline) closeListeners() {
	for _, l := range p.listeners {
		_ = l.Close()
	}
}

// consume drains one listener. The event loop itself never blocks on
// stability polling or dispatch; each accepted file gets its own goroutine.
func (p *Pipeline) consume(ctx context.Context, target config.WatchTarget, l *watcher.Listener) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-l.Errors():
			select {
			case p.errs <- err:
			default:
			}
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			p.HandleEvent(ctx, target, ev.Path)
		}
	}
}

// HandleEvent accepts one creation notification. Duplicate notifications for
// a path already in flight are skipped.
func (p *Pipeline) HandleEvent(ctx context.Context, target config.WatchTarget, path string) {
	if !p.reg.TryAcquire(path, target.Name) {
		p.logger.Info("already processing, skipping", "target", target.Name, "path", path)
		p.hub.Publish(events.TypeFileSkipped, map[string]string{"target": target.Name, "path": path})
		return
	}

	p.hub.Publish(events.TypeFileDetected, map[string]string{"target": target.Name, "path": path})

	p.wg.Add(1)
	go p.process(ctx, target, path)
}

// process is one unit of work: stability wait, slot acquire, dispatch,
// record. The registry entry is released on every exit path.
func (p *Pipeline) process(ctx context.Context, target config.WatchTarget, path string) {
	defer p.wg.Done()
	defer p.reg.Release(path)

	detectedAt := time.Now().UTC()
	logger := p.logger.With("target", target.Name, "path", path)

	verdict, err := p.detector.Wait(ctx, path)
	if err != nil {
		logger.Info("stability wait aborted by shutdown")
		return
	}
	if verdict != stability.Stable {
		logger.Warn("failed to stabilize, dropping file")
		p.hub.Publish(events.TypeStabilityTimeout, map[string]string{"target": target.Name, "path": path})
		p.record(history.Record{
			Target:      target.Name,
			Path:        path,
			Status:      StatusStabilityTimeout,
			DetectedAt:  detectedAt,
			CompletedAt: time.Now().UTC(),
		})
		return
	}

	p.hub.Publish(events.TypeFileStable, map[string]string{"target": target.Name, "path": path})

	var digest string
	if p.recorder != nil {
		if d, err := history.Digest(path); err == nil {
			digest = d
		} else {
			logger.Warn("could not hash stabilized file", "error", err)
		}
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		logger.Info("dispatch slot wait aborted by shutdown")
		return
	}
	defer p.slots.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)

	p.hub.Publish(events.TypeDispatchStart, map[string]string{"target": target.Name, "path": path})
	out := p.runner.Run(target, path)
	p.hub.Publish(events.TypeDispatchDone, out)

	rec := history.Record{
		ID:          out.ID,
		Target:      out.Target,
		Path:        out.Path,
		Digest:      digest,
		Status:      string(out.Status),
		ExitCode:    out.ExitCode,
		Stderr:      out.Stderr,
		Error:       out.Error,
		DetectedAt:  detectedAt,
		StartedAt:   out.StartedAt,
		CompletedAt: out.CompletedAt,
	}
	p.record(rec)
}

func (p *Pipeline) record(rec history.Record) {
	if p.recorder == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	// Recording happens after the unit's own deadline handling; a short
	// independent timeout keeps a wedged DB from pinning goroutines.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.recorder.Record(ctx, rec); err != nil {
		p.logger.Error("failed to record dispatch outcome", "path", rec.Path, "error", err)
	}
}

func newRecordID() string {
	return uuid.NewString()
}

// Status is a point-in-time view for the API and monitor.
type Status struct {
	Service          string           `json:"service"`
	Targets          []TargetStatus   `json:"targets"`
	InFlight         []registry.Entry `json:"in_flight"`
	ActiveDispatches int64            `json:"active_dispatches"`
	MaxConcurrent    int              `json:"max_concurrent"`
}

// TargetStatus describes one configured watch target.
type TargetStatus struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	Command   string `json:"command"`
	Kind      string `json:"kind"`
	Recursive bool   `json:"recursive"`
}

// Status reports current pipeline state.
func (p *Pipeline) Status() Status {
	targets := make([]TargetStatus, 0, len(p.cfg.Targets))
	for _, t := range p.cfg.Targets {
		targets = append(targets, TargetStatus{
			Name:      t.Name,
			Root:      t.Root,
			Command:   t.Command,
			Kind:      string(t.Kind),
			Recursive: t.Recursive,
		})
	}
	return Status{
		Service:          p.cfg.Service.Name,
		Targets:          targets,
		InFlight:         p.reg.Snapshot(),
		ActiveDispatches: p.active.Load(),
		MaxConcurrent:    p.cfg.Service.MaxConcurrent,
	}
}
