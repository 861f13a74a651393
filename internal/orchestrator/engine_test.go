package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	states []protocol.RunState
}

func (r *recorder) Publish(s protocol.RunState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.RunState(nil), r.states...)
}

// entries counts how often the published phase changed to p.
func (r *recorder) entries(p consts.Phase) int {
	n := 0
	prev := consts.Phase("")
	for _, s := range r.all() {
		if s.Phase == p && prev != p {
			n++
		}
		prev = s.Phase
	}
	return n
}

func testTuning() rig.Tuning {
	return rig.Tuning{
		PollInterval:     2 * time.Millisecond,
		SampleInterval:   2 * time.Millisecond,
		DisplayInterval:  20 * time.Millisecond,
		WindowSize:       1,
		Cutoff:           rig.Cutoff{GracePeriod: 20 * time.Millisecond, GraceMultiplier: 2},
		LockSettle:       10 * time.Millisecond,
		StopSettle:       5 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond,
		HomingTimeout:    time.Second,

		HomeBetweenCycles: true,
	}
}

func testSimConfig() driver.SimConfig {
	cfg := driver.DefaultSimConfig()
	cfg.Stroke = 100 * time.Millisecond
	cfg.RunAmps = 1.0
	cfg.InrushAmps = 1.0
	cfg.StallAmps = 5.0
	return cfg
}

type harness struct {
	engine *Engine
	store  *rig.Store
	sim    *driver.Sim
	rec    *recorder
}

func newHarness(t *testing.T, drv driver.Driver, sim *driver.Sim, tuning rig.Tuning) *harness {
	t.Helper()
	store := rig.NewStore()
	rec := &recorder{}
	store.SetPublisher(rec)

	ctx, cancel := context.WithCancel(context.Background())
	sampler := NewSampler(drv, store, tuning.SampleInterval, tuning.WindowSize, 0.066)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sampler.Run(ctx)
	}()

	e := NewEngine(store, drv, tuning)
	t.Cleanup(func() {
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		e.Cancel(wctx)
		e.Wait(wctx)
		cancel()
		<-done
	})
	return &harness{engine: e, store: store, sim: sim, rec: rec}
}

func newSimHarness(t *testing.T, cfg driver.SimConfig, tuning rig.Tuning) *harness {
	sim := driver.NewSim(cfg)
	return newHarness(t, sim, sim, tuning)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitDone(t *testing.T, e *Engine, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e.Wait(ctx)
	require.False(t, e.Running(), "run did not finish within %s", timeout)
}

func TestEngine_CompletesAllCycles(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())
	tripsBefore := testutil.ToFloat64(monitor.CutoffTrips.WithLabelValues(string(consts.PhaseActuatingExtend)))
	completedBefore := testutil.ToFloat64(monitor.RunsTotal.WithLabelValues(string(consts.StatusCompleted)))

	err := h.engine.Start(context.Background(), Params{
		TotalCycles:   3,
		ActuateTime:   300 * time.Millisecond,
		RestTime:      20 * time.Millisecond,
		CurrentCutoff: 3.0,
	})
	require.NoError(t, err)

	waitDone(t, h.engine, 5*time.Second)

	final := h.store.Snapshot()
	assert.Equal(t, consts.StatusCompleted, final.Status)
	assert.Equal(t, consts.PhaseIdle, final.Phase)
	assert.Equal(t, 3, final.CurrentCycle)
	assert.Zero(t, final.PhaseEndsAt)
	assert.Empty(t, final.Fault)

	assert.Equal(t, 2, h.rec.entries(consts.PhaseResting), "no rest after the final cycle")
	assert.Equal(t, 2, h.rec.entries(consts.PhaseHoming))
	assert.Equal(t, 3, h.rec.entries(consts.PhaseUnlocking))
	assert.Equal(t, 2, h.rec.entries(consts.PhaseLocking))

	cycles := map[int]bool{}
	for _, s := range h.rec.all() {
		if s.Phase == consts.PhaseActuatingExtend {
			cycles[s.CurrentCycle] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, cycles)

	// Stroke is shorter than the window so the end stops must trip the cutoff.
	assert.Greater(t, testutil.ToFloat64(monitor.CutoffTrips.WithLabelValues(string(consts.PhaseActuatingExtend))), tripsBefore)
	assert.Greater(t, h.sim.Pings(), 0, "watchdog fed during actuation")
	assert.Equal(t, completedBefore+1, testutil.ToFloat64(monitor.RunsTotal.WithLabelValues(string(consts.StatusCompleted))))
}

func TestEngine_GraceWindowAtEveryCycleStart(t *testing.T) {
	cfg := testSimConfig()
	cfg.Caps = driver.Capabilities{}
	cfg.Stroke = 10 * time.Second // the end stop is never reached
	cfg.RunAmps = 0.5
	cfg.InrushAmps = 1.5
	cfg.InrushWindow = 20 * time.Millisecond
	tuning := testTuning()
	tuning.HomeBetweenCycles = false
	tuning.Cutoff = rig.Cutoff{GracePeriod: 50 * time.Millisecond, GraceMultiplier: 2}
	h := newSimHarness(t, cfg, tuning)

	trips := func() float64 {
		return testutil.ToFloat64(monitor.CutoffTrips.WithLabelValues(string(consts.PhaseActuatingExtend)))
	}
	before := trips()

	// Each cycle ends on an extend, so the next one starts in the same direction.
	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 2, ActuateTime: 80 * time.Millisecond, RestTime: 10 * time.Millisecond, CurrentCutoff: 1.0,
	}))
	waitDone(t, h.engine, 2*time.Second)

	assert.Equal(t, consts.StatusCompleted, h.store.Snapshot().Status)
	assert.Equal(t, before, trips(), "inrush at a cycle start must not trip the cutoff")
	assert.Equal(t, []string{driver.CmdExtend, driver.CmdStop, driver.CmdExtend, driver.CmdStop}, h.sim.Commands())
}

func TestEngine_PhaseEndsAtTracksPhase(t *testing.T) {
	cfg := testSimConfig()
	cfg.Caps = driver.Capabilities{}
	h := newSimHarness(t, cfg, testTuning())

	start := time.Now()
	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 2, ActuateTime: 50 * time.Millisecond, RestTime: 30 * time.Millisecond, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 3*time.Second)

	for _, s := range h.rec.all() {
		switch s.Phase {
		case consts.PhaseActuatingExtend, consts.PhaseActuatingRetract, consts.PhaseResting:
			assert.Greater(t, s.PhaseEndsAt, float64(start.Unix()))
		case consts.PhaseHoming:
			assert.Zero(t, s.PhaseEndsAt)
		}
		assert.NotEqual(t, consts.PhaseUnlocking, s.Phase, "no lock motor fitted")
	}
}

func TestEngine_CancelStopsPromptly(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	// A cutoff above stall current keeps the first extend running until cancel.
	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 5, ActuateTime: 10 * time.Second, RestTime: time.Second, CurrentCutoff: 100,
	}))
	waitFor(t, time.Second, func() bool {
		cmds := h.sim.Commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == driver.CmdExtend
	})

	mark := len(h.sim.Commands())
	began := time.Now()
	h.engine.Cancel(context.Background())
	require.Greater(t, len(h.sim.Commands()), mark)
	assert.Equal(t, driver.CmdStop, h.sim.Commands()[mark], "stop is issued before Cancel returns")

	waitDone(t, h.engine, time.Second)
	// A few poll ticks plus scheduling slack.
	assert.Less(t, time.Since(began), 5*testTuning().PollInterval+20*time.Millisecond)

	final := h.store.Snapshot()
	assert.Equal(t, consts.StatusFailed, final.Status)
	assert.Equal(t, consts.PhaseIdle, final.Phase)
	assert.True(t, final.CancelRequested)
	assert.Equal(t, faultCancelled, final.Fault)
	assert.Zero(t, final.PhaseEndsAt)

	after := h.sim.Commands()[mark:]
	require.NotEmpty(t, after)
	assert.Equal(t, driver.CmdStop, after[0], "cancel issues an immediate stop")
	for _, cmd := range after {
		assert.Contains(t, []string{driver.CmdStop, driver.CmdStopLock}, cmd, "no motion after cancel")
	}
}

func TestEngine_CancelDuringRest(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())
	failed := func() float64 { return testutil.ToFloat64(monitor.RunsTotal.WithLabelValues(string(consts.StatusFailed))) }
	failedBefore := failed()

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 3, ActuateTime: 30 * time.Millisecond, RestTime: 10 * time.Second, CurrentCutoff: 3,
	}))
	waitFor(t, 2*time.Second, func() bool { return h.store.Snapshot().Phase == consts.PhaseResting })

	h.engine.Cancel(context.Background())
	waitDone(t, h.engine, time.Second)
	assert.Equal(t, consts.StatusFailed, h.store.Snapshot().Status)
	assert.Equal(t, 1, h.store.Snapshot().CurrentCycle)
	assert.Equal(t, failedBefore+1, failed())
}

func TestEngine_CancelWhenIdle(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	h.engine.Cancel(context.Background())

	s := h.store.Snapshot()
	assert.Equal(t, consts.StatusIdle, s.Status)
	assert.True(t, s.CancelRequested)
	assert.Equal(t, []string{driver.CmdStop}, h.sim.Commands())
}

func TestEngine_CancelWaitsForStartToLaunch(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	// Holding the lifecycle lock stands in for a Start between publishing
	// the new state and launching its task.
	h.engine.lifecycleMu.Lock()
	cancelled := make(chan struct{})
	go func() {
		defer close(cancelled)
		h.engine.Cancel(context.Background())
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel ran while a start was in progress")
	case <-time.After(30 * time.Millisecond):
	}
	assert.False(t, h.store.Snapshot().CancelRequested)
	assert.Empty(t, h.sim.Commands())

	h.engine.lifecycleMu.Unlock()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not proceed after the start finished")
	}
	assert.True(t, h.store.Snapshot().CancelRequested)
}

func TestEngine_CancelRacingStartNeverLeaksARun(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())
	p := Params{TotalCycles: 3, ActuateTime: 10 * time.Second, RestTime: time.Second, CurrentCutoff: 100}

	for i := 0; i < 20; i++ {
		started := make(chan error, 1)
		go func() { started <- h.engine.Start(context.Background(), p) }()
		h.engine.Cancel(context.Background())
		startErr := <-started

		// A start that won the race is cancelled by the next Cancel; one that
		// lost it runs until then. Either way nothing survives a final Cancel.
		h.engine.Cancel(context.Background())
		waitDone(t, h.engine, time.Second)
		if startErr == nil {
			assert.Equal(t, consts.StatusFailed, h.store.Snapshot().Status)
		}
	}
}

func TestEngine_RejectsConcurrentStart(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())
	p := Params{TotalCycles: 2, ActuateTime: 5 * time.Second, RestTime: time.Second, CurrentCutoff: 3}

	require.NoError(t, h.engine.Start(context.Background(), p))
	first := h.store.Snapshot()

	err := h.engine.Start(context.Background(), Params{TotalCycles: 9, ActuateTime: time.Second, CurrentCutoff: 1})
	assert.Equal(t, errors.ErrCodeAlreadyRunning, errors.CodeOf(err))

	second := h.store.Snapshot()
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 2, second.TotalCycles)
	assert.Equal(t, 3.0, second.CurrentCutoff)
}

func TestEngine_StartPublishesBeforeRunning(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 1, ActuateTime: 20 * time.Millisecond, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 2*time.Second)

	states := h.rec.all()
	require.NotEmpty(t, states)
	assert.Equal(t, consts.StatusRunning, states[0].Status)
	assert.Equal(t, consts.PhaseIdle, states[0].Phase)
	assert.NotEmpty(t, states[0].RunID)
	assert.InDelta(t, (20 * time.Millisecond).Minutes(), states[0].ActuateTime, 1e-9)
}

func TestEngine_ResetIsIdempotent(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	require.NoError(t, h.engine.Reset(context.Background()))
	require.NoError(t, h.engine.Reset(context.Background()))

	s := h.store.Snapshot()
	assert.Equal(t, consts.StatusIdle, s.Status)
	assert.Equal(t, consts.PhaseIdle, s.Phase)
	assert.Empty(t, s.RunID)
	assert.False(t, s.CancelRequested)
}

func TestEngine_ResetWhileRunning(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 3, ActuateTime: 10 * time.Second, RestTime: time.Second, CurrentCutoff: 3,
	}))
	waitFor(t, time.Second, func() bool { return h.store.Snapshot().Phase != consts.PhaseIdle })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.engine.Reset(ctx))
	assert.False(t, h.engine.Running())

	// The superseded run's failure must not leak into the fresh state.
	s := h.store.Snapshot()
	assert.Equal(t, consts.StatusIdle, s.Status)
	assert.Empty(t, s.Fault)
	assert.Empty(t, s.RunID)

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 1, ActuateTime: 20 * time.Millisecond, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 2*time.Second)
	assert.Equal(t, consts.StatusCompleted, h.store.Snapshot().Status)
}

func TestEngine_HomingTimeoutFaults(t *testing.T) {
	cfg := testSimConfig()
	cfg.Caps = driver.Capabilities{}
	cfg.StallAmps = cfg.RunAmps // the end stop is never detected
	tuning := testTuning()
	tuning.HomingTimeout = 50 * time.Millisecond
	h := newSimHarness(t, cfg, tuning)

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 2, ActuateTime: 30 * time.Millisecond, RestTime: time.Second, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 2*time.Second)

	s := h.store.Snapshot()
	assert.Equal(t, consts.StatusFailed, s.Status)
	assert.Equal(t, consts.PhaseIdle, s.Phase)
	assert.Contains(t, s.Fault, "homing timed out")
	assert.Equal(t, 0, h.rec.entries(consts.PhaseResting))
}

func TestEngine_SkipsHomingWhenDisabled(t *testing.T) {
	cfg := testSimConfig()
	cfg.Caps = driver.Capabilities{}
	tuning := testTuning()
	tuning.HomeBetweenCycles = false
	h := newSimHarness(t, cfg, tuning)

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 2, ActuateTime: 30 * time.Millisecond, RestTime: 10 * time.Millisecond, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 2*time.Second)

	assert.Equal(t, consts.StatusCompleted, h.store.Snapshot().Status)
	assert.Zero(t, h.rec.entries(consts.PhaseHoming))
	assert.Equal(t, 1, h.rec.entries(consts.PhaseResting))
}

type panickyDriver struct {
	*driver.Sim
}

func (p panickyDriver) Retract(ctx context.Context) error {
	panic("retract relay welded")
}

func TestEngine_PanicIsContained(t *testing.T) {
	cfg := testSimConfig()
	cfg.Caps = driver.Capabilities{}
	sim := driver.NewSim(cfg)
	h := newHarness(t, panickyDriver{sim}, sim, testTuning())

	require.NoError(t, h.engine.Start(context.Background(), Params{
		TotalCycles: 2, ActuateTime: 500 * time.Millisecond, RestTime: time.Second, CurrentCutoff: 3,
	}))
	waitDone(t, h.engine, 2*time.Second)

	s := h.store.Snapshot()
	assert.Equal(t, consts.StatusFailed, s.Status)
	assert.Equal(t, consts.PhaseIdle, s.Phase)
	assert.True(t, strings.Contains(s.Fault, "crashed"), "fault %q", s.Fault)

	cmds := sim.Commands()
	assert.Equal(t, driver.CmdStop, cmds[len(cmds)-1], "fail-safe stop after the crash")

	// The engine accepts a new run afterwards.
	require.NoError(t, h.engine.Reset(context.Background()))
	assert.Equal(t, consts.StatusIdle, h.store.Snapshot().Status)
}

func TestEngine_TuningAppliesToNextRun(t *testing.T) {
	h := newSimHarness(t, testSimConfig(), testTuning())

	next := testTuning()
	next.HomingTimeout = 3 * time.Second
	h.engine.SetTuning(next)
	assert.Equal(t, 3*time.Second, h.engine.Tuning().HomingTimeout)
}
