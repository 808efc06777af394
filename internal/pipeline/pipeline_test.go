package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/dispatch"
	"github.com/mattjoyce/dropwatch/internal/events"
	"github.com/mattjoyce/dropwatch/internal/history"
	"github.com/mattjoyce/dropwatch/internal/log"
	"github.com/mattjoyce/dropwatch/internal/registry"
	"github.com/mattjoyce/dropwatch/internal/stability"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeWaiter struct {
	verdict stability.Verdict
	delay   time.Duration
}

func (f *fakeWaiter) Wait(ctx context.Context, path string) (stability.Verdict, error) {
	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return stability.GaveUp, ctx.Err()
		case <-timer.C:
		}
	}
	return f.verdict, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     []string
	gate      chan struct{} // when non-nil, Run blocks until closed
	status    dispatch.Status
}

func (f *fakeRunner) Run(target config.WatchTarget, path string) dispatch.Outcome {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.calls = append(f.calls, path)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	status := f.status
	if status == "" {
		status = dispatch.StatusSucceeded
	}
	now := time.Now().UTC()
	return dispatch.Outcome{
		ID:          fmt.Sprintf("fake-%s", path),
		Target:      target.Name,
		Path:        path,
		Status:      status,
		StartedAt:   now,
		CompletedAt: now,
	}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeRunner) currentActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []history.Record
}

func (f *fakeRecorder) Record(ctx context.Context, rec history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecorder) records() []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.Record, len(f.recs))
	copy(out, f.recs)
	return out
}

func testConfig(maxConcurrent int) *config.Config {
	cfg := config.Defaults()
	cfg.Service.MaxConcurrent = maxConcurrent
	cfg.Targets = []config.WatchTarget{
		{Name: "inbox", Root: "/srv/drop", Command: "/opt/process.sh", Kind: config.KindShell},
	}
	return cfg
}

func newTestPipeline(cfg *config.Config, waiter Waiter, runner Runner, rec Recorder) *Pipeline {
	return New(cfg, registry.New(), waiter, runner, events.NewHub(64), rec)
}

func TestDuplicateEventsDispatchOnce(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.Stable, delay: 100 * time.Millisecond}
	runner := &fakeRunner{}
	p := newTestPipeline(testConfig(5), waiter, runner, nil)

	ctx := context.Background()
	target := p.cfg.Targets[0]

	// Second notification arrives while the first is still stabilizing.
	p.HandleEvent(ctx, target, "/drop/a.wav")
	p.HandleEvent(ctx, target, "/drop/a.wav")
	p.Wait()

	assert.Equal(t, 1, runner.callCount())
}

func TestPathAcceptedAgainAfterCompletion(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.Stable}
	runner := &fakeRunner{}
	p := newTestPipeline(testConfig(5), waiter, runner, nil)

	ctx := context.Background()
	target := p.cfg.Targets[0]

	p.HandleEvent(ctx, target, "/drop/a.wav")
	p.Wait()
	require.Equal(t, 1, runner.callCount())
	assert.False(t, p.reg.Contains("/drop/a.wav"), "registry must be empty after a terminal outcome")

	p.HandleEvent(ctx, target, "/drop/a.wav")
	p.Wait()
	assert.Equal(t, 2, runner.callCount(), "a fresh event after completion is a new unit of work")
}

func TestConcurrencyCapHoldsUnderBurst(t *testing.T) {
	const capSlots = 5
	const burst = 8

	waiter := &fakeWaiter{verdict: stability.Stable}
	runner := &fakeRunner{gate: make(chan struct{})}
	p := newTestPipeline(testConfig(capSlots), waiter, runner, nil)

	ctx := context.Background()
	target := p.cfg.Targets[0]

	for i := 0; i < burst; i++ {
		p.HandleEvent(ctx, target, fmt.Sprintf("/drop/%d.wav", i))
	}

	// Exactly cap dispatches run; the rest queue on the semaphore.
	require.Eventually(t, func() bool {
		return runner.currentActive() == capSlots
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // give queued units a chance to overshoot, if they could
	assert.Equal(t, capSlots, runner.currentActive())

	close(runner.gate)
	p.Wait()

	assert.Equal(t, burst, runner.callCount())
	assert.LessOrEqual(t, runner.peakConcurrency(), capSlots)
}

func TestStabilityTimeoutSkipsDispatch(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.GaveUp}
	runner := &fakeRunner{}
	recorder := &fakeRecorder{}
	p := newTestPipeline(testConfig(5), waiter, runner, recorder)

	ctx := context.Background()
	p.HandleEvent(ctx, p.cfg.Targets[0], "/drop/never-settles.wav")
	p.Wait()

	assert.Equal(t, 0, runner.callCount(), "no dispatch for a file that never settles")
	assert.False(t, p.reg.Contains("/drop/never-settles.wav"))

	recs := recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusStabilityTimeout, recs[0].Status)
	assert.NotEmpty(t, recs[0].ID)
}

func TestOutcomeIsRecorded(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.Stable}
	runner := &fakeRunner{status: dispatch.StatusFailed}
	recorder := &fakeRecorder{}
	p := newTestPipeline(testConfig(5), waiter, runner, recorder)

	ctx := context.Background()
	p.HandleEvent(ctx, p.cfg.Targets[0], "/drop/bad.wav")
	p.Wait()

	recs := recorder.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(dispatch.StatusFailed), recs[0].Status)
	assert.Equal(t, "/drop/bad.wav", recs[0].Path)
	assert.Equal(t, "inbox", recs[0].Target)
}

func TestShutdownAbortsStabilityWait(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.Stable, delay: time.Hour}
	runner := &fakeRunner{}
	p := newTestPipeline(testConfig(5), waiter, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.HandleEvent(ctx, p.cfg.Targets[0], "/drop/slow.wav")

	cancel()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not unwind after cancellation")
	}
	assert.Equal(t, 0, runner.callCount())
	assert.False(t, p.reg.Contains("/drop/slow.wav"), "registry released even on aborted waits")
}

func TestStatusSnapshot(t *testing.T) {
	waiter := &fakeWaiter{verdict: stability.Stable}
	runner := &fakeRunner{gate: make(chan struct{})}
	p := newTestPipeline(testConfig(3), waiter, runner, nil)

	ctx := context.Background()
	p.HandleEvent(ctx, p.cfg.Targets[0], "/drop/a.wav")

	require.Eventually(t, func() bool {
		return p.Status().ActiveDispatches == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := p.Status()
	assert.Equal(t, 3, st.MaxConcurrent)
	require.Len(t, st.Targets, 1)
	assert.Equal(t, "inbox", st.Targets[0].Name)
	require.Len(t, st.InFlight, 1)
	assert.Equal(t, "/drop/a.wav", st.InFlight[0].Path)

	close(runner.gate)
	p.Wait()
	assert.Empty(t, p.Status().InFlight)
}
