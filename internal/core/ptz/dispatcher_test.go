package ptz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

type sentCommand struct {
	kind      Kind
	deviceID  string
	direction string
	speed     int
	preset    int
}

// fakeSender records outbound commands.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentCommand
}

func (f *fakeSender) PTZMove(_ context.Context, deviceID, direction string, speed int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{kind: KindMove, deviceID: deviceID, direction: direction, speed: speed})
	return []byte(`{"status":"ok"}`), nil
}

func (f *fakeSender) PTZPreset(_ context.Context, deviceID string, preset int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{kind: KindPreset, deviceID: deviceID, preset: preset})
	return []byte(`{"status":"ok"}`), nil
}

func (f *fakeSender) PTZStop(_ context.Context, deviceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{kind: KindStop, deviceID: deviceID})
	return []byte(`{"status":"ok"}`), nil
}

func (f *fakeSender) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCommand, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSpeedClamping(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Millisecond, slog.Default())
	defer d.Close()

	cases := []struct {
		in, want int
	}{
		{500, 100},
		{0, 1},
		{-5, 1},
		{50, 50},
		{100, 100},
	}
	for i, tc := range cases {
		// Distinct devices so no command lands in a cooldown window.
		dev := fmt.Sprintf("cam%d", i)
		_, err := d.Dispatch(context.Background(), CommandRequest{
			DeviceID: dev, Kind: KindMove, Direction: DirUp, Speed: tc.in,
		})
		require.NoError(t, err)
	}

	sent := sender.commands()
	require.Len(t, sent, len(cases))
	for i, tc := range cases {
		assert.Equal(t, tc.want, sent[i].speed, "speed %d should clamp to %d", tc.in, tc.want)
	}
}

func TestUnknownDirectionRejected(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Millisecond, slog.Default())
	defer d.Close()

	_, err := d.Dispatch(context.Background(), CommandRequest{
		DeviceID: "cam1", Kind: KindMove, Direction: "sideways",
	})
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindValidation))
	assert.Empty(t, sender.commands())
}

func TestPresetRange(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Millisecond, slog.Default())
	defer d.Close()

	for _, preset := range []int{0, 256, -1} {
		_, err := d.Dispatch(context.Background(), Preset("cam-bad", preset))
		require.Error(t, err)
		assert.True(t, pverr.IsKind(err, pverr.KindValidation))
	}
	assert.Empty(t, sender.commands())

	_, err := d.Dispatch(context.Background(), Preset("cam1", 1))
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), Preset("cam2", 255))
	require.NoError(t, err)
	assert.Len(t, sender.commands(), 2)
}

func TestMissingDeviceIDRejected(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Millisecond, slog.Default())
	defer d.Close()

	_, err := d.Dispatch(context.Background(), Stop(""))
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindValidation))
}

func TestCoalescingWithinCooldownWindow(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, 150*time.Millisecond, slog.Default())
	defer d.Close()

	// First command opens the cooldown window and goes out immediately.
	_, err := d.Dispatch(context.Background(), Stop("cam1"))
	require.NoError(t, err)
	require.Len(t, sender.commands(), 1)

	// Five MOVEs inside the window collapse into one outbound request
	// carrying the parameters of the last command.
	var wg sync.WaitGroup
	directions := []Direction{DirUp, DirDown, DirLeft, DirRight, DirZoomIn}
	for i, dir := range directions {
		wg.Add(1)
		go func(dir Direction, speed int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), CommandRequest{
				DeviceID: "cam1", Kind: KindMove, Direction: dir, Speed: speed,
			})
			assert.NoError(t, err)
		}(dir, 10*(i+1))
		time.Sleep(10 * time.Millisecond) // keep submission order deterministic
	}
	wg.Wait()

	sent := sender.commands()
	require.Len(t, sent, 2, "five commands in one window must produce one request")
	last := sent[1]
	assert.Equal(t, KindMove, last.kind)
	assert.Equal(t, string(DirZoomIn), last.direction)
	assert.Equal(t, 50, last.speed)
}

func TestSeparateDevicesDoNotShareCooldown(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Minute, slog.Default())
	defer d.Close()

	_, err := d.Dispatch(context.Background(), Stop("cam1"))
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), Stop("cam2"))
	require.NoError(t, err)

	assert.Len(t, sender.commands(), 2)
}

func TestDispatchAfterCloseFails(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Millisecond, slog.Default())
	d.Close()

	_, err := d.Dispatch(context.Background(), Stop("cam1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseFailsHeldCommands(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, time.Minute, slog.Default())

	_, err := d.Dispatch(context.Background(), Stop("cam1"))
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), Move("cam1", DirUp))
		errC <- err
	}()

	// Wait until the command is queued in the cooldown window.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.pending) == 1
	}, time.Second, time.Millisecond)

	d.Close()
	assert.ErrorIs(t, <-errC, ErrClosed)
}
