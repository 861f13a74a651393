package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/orchestrator"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/protocol"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	started  []orchestrator.Params
	cancels  int
	resets   int
	startErr error
}

func (f *fakeController) Start(ctx context.Context, p orchestrator.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, p)
	f.running = true
	return nil
}

func (f *fakeController) Cancel(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeController) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.running = false
	return nil
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestRouter(caps driver.Capabilities) (*Router, *fakeController, *driver.Sim) {
	cfg := driver.DefaultSimConfig()
	cfg.Caps = caps
	sim := driver.NewSim(cfg)
	ctl := &fakeController{}
	return NewRouter(ctl, sim, rig.NewStore()), ctl, sim
}

func TestRouter_StartValid(t *testing.T) {
	r, ctl, _ := newTestRouter(driver.Capabilities{})

	reply := r.HandleRaw(context.Background(), []byte(`{"action":"start","total_cycles":3,"actuate_time":1.5,"rest_time":0,"current_cutoff":2.2}`))
	require.True(t, reply.OK, "reply: %+v", reply)

	require.Len(t, ctl.started, 1)
	p := ctl.started[0]
	assert.Equal(t, 3, p.TotalCycles)
	assert.Equal(t, 90*time.Second, p.ActuateTime)
	assert.Zero(t, p.RestTime)
	assert.Equal(t, 2.2, p.CurrentCutoff)
}

func TestRouter_StartRejectsBadParameters(t *testing.T) {
	cases := map[string]string{
		"missing cutoff":    `{"action":"start","total_cycles":3,"actuate_time":1,"rest_time":1}`,
		"zero cycles":       `{"action":"start","total_cycles":0,"actuate_time":1,"rest_time":1,"current_cutoff":1}`,
		"negative rest":     `{"action":"start","total_cycles":1,"actuate_time":1,"rest_time":-1,"current_cutoff":1}`,
		"zero actuate":      `{"action":"start","total_cycles":1,"actuate_time":0,"rest_time":1,"current_cutoff":1}`,
		"negative cutoff":   `{"action":"start","total_cycles":1,"actuate_time":1,"rest_time":1,"current_cutoff":-2}`,
		"fractional cycles": `{"action":"start","total_cycles":2.5,"actuate_time":1,"rest_time":1,"current_cutoff":1}`,
		"string cycles":     `{"action":"start","total_cycles":"3","actuate_time":1,"rest_time":1,"current_cutoff":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			r, ctl, _ := newTestRouter(driver.Capabilities{})
			reply := r.HandleRaw(context.Background(), []byte(raw))
			assert.False(t, reply.OK)
			assert.Equal(t, int(errors.ErrCodeInvalidCommand), reply.Code)
			assert.NotEmpty(t, reply.Error)
			assert.Empty(t, ctl.started)
		})
	}
}

func TestRouter_StartWhileRunning(t *testing.T) {
	r, ctl, _ := newTestRouter(driver.Capabilities{})
	ctl.running = true

	reply := r.HandleRaw(context.Background(), []byte(`{"action":"start","total_cycles":1,"actuate_time":1,"rest_time":1,"current_cutoff":1}`))
	assert.Equal(t, int(errors.ErrCodeAlreadyRunning), reply.Code)
	assert.Equal(t, "Test already running", reply.Error)
	assert.Empty(t, ctl.started)
}

func TestRouter_UnknownAction(t *testing.T) {
	r, _, sim := newTestRouter(driver.Capabilities{})

	reply := r.HandleRaw(context.Background(), []byte(`{"action":"self_destruct"}`))
	assert.Equal(t, int(errors.ErrCodeUnknownAction), reply.Code)
	assert.Empty(t, sim.Commands())

	reply = r.HandleRaw(context.Background(), []byte(`{"total_cycles":1}`))
	assert.Equal(t, int(errors.ErrCodeInvalidCommand), reply.Code)

	reply = r.HandleRaw(context.Background(), []byte(`not json`))
	assert.Equal(t, int(errors.ErrCodeInvalidCommand), reply.Code)
}

func TestRouter_ManualPassthrough(t *testing.T) {
	r, _, sim := newTestRouter(driver.Capabilities{Lock: true})
	ctx := context.Background()

	for _, a := range []consts.Action{
		consts.ActionManualExtend, consts.ActionManualRetract,
		consts.ActionManualLockExtend, consts.ActionManualLockRetract,
		consts.ActionManualLockStop, consts.ActionManualStop,
	} {
		reply := r.Dispatch(ctx, protocol.Command{Action: a})
		require.True(t, reply.OK, "%s: %+v", a, reply)
	}

	assert.Equal(t, []string{
		driver.CmdExtend, driver.CmdRetract,
		driver.CmdLockExtend, driver.CmdLockRetract,
		driver.CmdStopLock, driver.CmdStop, driver.CmdStopLock,
	}, sim.Commands())
}

func TestRouter_ManualRejectedWhileRunning(t *testing.T) {
	r, ctl, sim := newTestRouter(driver.Capabilities{Lock: true})
	ctl.running = true

	for _, a := range []consts.Action{consts.ActionManualExtend, consts.ActionManualStop, consts.ActionManualLockRetract} {
		reply := r.Dispatch(context.Background(), protocol.Command{Action: a})
		assert.Equal(t, int(errors.ErrCodeRunActive), reply.Code, a)
	}
	assert.Empty(t, sim.Commands())
}

func TestRouter_LockActionsNeedLock(t *testing.T) {
	r, _, sim := newTestRouter(driver.Capabilities{})

	reply := r.Dispatch(context.Background(), protocol.Command{Action: consts.ActionManualLockExtend})
	assert.Equal(t, int(errors.ErrCodeInvalidCommand), reply.Code)

	reply = r.Dispatch(context.Background(), protocol.Command{Action: consts.ActionManualStop})
	assert.True(t, reply.OK)
	assert.Equal(t, []string{driver.CmdStop}, sim.Commands())
}

func TestRouter_CancelResetStatus(t *testing.T) {
	r, ctl, _ := newTestRouter(driver.Capabilities{})
	ctx := context.Background()

	assert.True(t, r.Dispatch(ctx, protocol.Command{Action: consts.ActionCancel}).OK)
	assert.True(t, r.Dispatch(ctx, protocol.Command{Action: consts.ActionReset}).OK)
	assert.Equal(t, 1, ctl.cancels)
	assert.Equal(t, 1, ctl.resets)

	reply := r.Dispatch(ctx, protocol.Command{Action: consts.ActionStatus})
	require.NotNil(t, reply.State)
	assert.Equal(t, consts.StatusIdle, reply.State.Status)
}

func TestRouter_EndToEndWithEngine(t *testing.T) {
	cfg := driver.DefaultSimConfig()
	cfg.Caps = driver.Capabilities{}
	sim := driver.NewSim(cfg)
	store := rig.NewStore()

	tuning := rig.DefaultTuning()
	tuning.PollInterval = 2 * time.Millisecond
	tuning.StopSettle = time.Millisecond
	engine := orchestrator.NewEngine(store, sim, tuning)
	r := NewRouter(engine, sim, store)
	ctx := context.Background()

	reply := r.HandleRaw(ctx, []byte(`{"action":"start","total_cycles":2,"actuate_time":10,"rest_time":1,"current_cutoff":50}`))
	require.True(t, reply.OK, "%+v", reply)
	assert.True(t, engine.Running())

	reply = r.Dispatch(ctx, protocol.Command{Action: consts.ActionManualExtend})
	assert.Equal(t, int(errors.ErrCodeRunActive), reply.Code)

	require.True(t, r.Dispatch(ctx, protocol.Command{Action: consts.ActionReset}).OK)
	assert.False(t, engine.Running())
	assert.Equal(t, consts.StatusIdle, store.Snapshot().Status)

	// Reset twice is harmless.
	require.True(t, r.Dispatch(ctx, protocol.Command{Action: consts.ActionReset}).OK)
}
