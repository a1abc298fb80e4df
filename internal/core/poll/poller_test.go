package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentavision/pentavisiond/internal/core/state"
)

// fakeLister serves scripted poll responses.
type fakeLister struct {
	mu        sync.Mutex
	responses [][]state.Device
	errs      []error
	calls     int
}

func (f *fakeLister) Devices(_ context.Context) ([]state.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(lister *fakeLister, interval time.Duration) (*Poller, *state.DeviceStore, <-chan state.Event, func()) {
	bus := state.NewEventBus(slog.Default())
	store := state.NewDeviceStore(bus, slog.Default())
	events, unsub := bus.Subscribe(64)
	return New(lister, store, interval, slog.Default()), store, events, unsub
}

func TestPollOnceUpdatesStore(t *testing.T) {
	lister := &fakeLister{responses: [][]state.Device{
		{{ID: "cam1", Name: "Porch", Online: true}},
	}}
	p, store, events, unsub := newTestPoller(lister, time.Minute)
	defer unsub()

	require.Empty(t, store.Snapshot())

	require.NoError(t, p.PollOnce(context.Background()))

	snap := store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "cam1", snap[0].ID)
	assert.True(t, snap[0].Online)

	select {
	case evt := <-events:
		assert.Equal(t, state.EventDeviceChanged, evt.Type)
		assert.Equal(t, "cam1", evt.Device.ID)
	default:
		t.Fatal("expected a change event after the first poll")
	}
}

func TestFailedCycleSkipsWithoutTouchingStore(t *testing.T) {
	lister := &fakeLister{
		responses: [][]state.Device{
			{{ID: "cam1", Online: true}},
			nil, // unused, error slot
			nil, // first real miss
		},
		errs: []error{nil, errors.New("connection reset"), nil},
	}
	p, store, _, unsub := newTestPoller(lister, time.Minute)
	defer unsub()

	require.NoError(t, p.PollOnce(context.Background()))
	require.Len(t, store.Snapshot(), 1)

	// Failed cycle: skipped, miss counters untouched.
	p.cycle(context.Background())
	assert.Equal(t, uint64(1), p.SkippedCycles())
	require.Len(t, store.Snapshot(), 1)

	// One genuine miss after the failure: the device is still within the
	// hysteresis window because the failed cycle did not count as a miss.
	p.cycle(context.Background())
	assert.Equal(t, uint64(1), p.SkippedCycles())
	_, ok := store.Get("cam1")
	assert.True(t, ok)
}

func TestPollLoopRunsOnSchedule(t *testing.T) {
	lister := &fakeLister{}
	p, _, _, unsub := newTestPoller(lister, 10*time.Millisecond)
	defer unsub()

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return lister.callCount() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	lister := &fakeLister{}
	p, _, _, unsub := newTestPoller(lister, time.Minute)
	defer unsub()

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Error(t, p.Start(context.Background()))
}

func TestStopCancelsLoop(t *testing.T) {
	lister := &fakeLister{}
	p, _, _, unsub := newTestPoller(lister, 5*time.Millisecond)
	defer unsub()

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	calls := lister.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, lister.callCount(), "no polls after Stop")
}
