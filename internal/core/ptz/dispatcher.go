// Package ptz validates and dispatches pan/tilt/zoom commands, pacing them
// so the camera mechanism is never overrun.
package ptz

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

// Kind is the command variant.
type Kind string

const (
	KindMove   Kind = "move"
	KindPreset Kind = "preset"
	KindStop   Kind = "stop"
)

// Direction is a PTZ motion direction.
type Direction string

const (
	DirUp        Direction = "up"
	DirDown      Direction = "down"
	DirLeft      Direction = "left"
	DirRight     Direction = "right"
	DirUpLeft    Direction = "up_left"
	DirUpRight   Direction = "up_right"
	DirDownLeft  Direction = "down_left"
	DirDownRight Direction = "down_right"
	DirZoomIn    Direction = "zoom_in"
	DirZoomOut   Direction = "zoom_out"
)

var validDirections = map[Direction]bool{
	DirUp: true, DirDown: true, DirLeft: true, DirRight: true,
	DirUpLeft: true, DirUpRight: true, DirDownLeft: true, DirDownRight: true,
	DirZoomIn: true, DirZoomOut: true,
}

// Speed bounds and default for MOVE commands.
const (
	MinSpeed     = 1
	MaxSpeed     = 100
	DefaultSpeed = 50
)

// DefaultCooldown is the minimum interval between commands to one device.
const DefaultCooldown = 200 * time.Millisecond

// CommandRequest is one PTZ command. Only the fields relevant to the Kind
// are read.
type CommandRequest struct {
	DeviceID  string    `json:"device_id"`
	Kind      Kind      `json:"kind"`
	Direction Direction `json:"direction,omitempty"`
	Speed     int       `json:"speed,omitempty"`
	Preset    int       `json:"preset,omitempty"`
}

// Move builds a MOVE request at the default speed.
func Move(deviceID string, dir Direction) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Kind: KindMove, Direction: dir, Speed: DefaultSpeed}
}

// Preset builds a PRESET request.
func Preset(deviceID string, preset int) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Kind: KindPreset, Preset: preset}
}

// Stop builds a STOP request.
func Stop(deviceID string) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Kind: KindStop}
}

// Sender issues PTZ commands to the server. Implemented by client.API.
type Sender interface {
	PTZMove(ctx context.Context, deviceID, direction string, speed int) ([]byte, error)
	PTZPreset(ctx context.Context, deviceID string, preset int) ([]byte, error)
	PTZStop(ctx context.Context, deviceID string) ([]byte, error)
}

// ErrClosed is returned for commands dispatched after Close.
var ErrClosed = errors.New("ptz: dispatcher closed")

type result struct {
	ack []byte
	err error
}

type pendingCmd struct {
	req     CommandRequest
	timer   *time.Timer
	waiters []chan result
}

// Dispatcher validates commands and enforces a per-device minimum interval.
// A command arriving inside a device's cooldown window is held until the
// window closes; rapid successive commands to the same device coalesce so
// only the most recent one goes out. Every caller held on the window shares
// the outcome of the command that was actually sent.
type Dispatcher struct {
	api      Sender
	cooldown time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	pending  map[string]*pendingCmd
	closed   bool
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. cooldown <= 0 selects DefaultCooldown.
func NewDispatcher(api Sender, cooldown time.Duration, log *slog.Logger) *Dispatcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Dispatcher{
		api:      api,
		cooldown: cooldown,
		timeout:  10 * time.Second,
		log:      log,
		lastSent: make(map[string]time.Time),
		pending:  make(map[string]*pendingCmd),
		now:      time.Now,
	}
}

// Dispatch validates req and sends it, honoring the per-device cooldown.
// It returns the raw server acknowledgement.
func (d *Dispatcher) Dispatch(ctx context.Context, req CommandRequest) ([]byte, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}

	if p, ok := d.pending[req.DeviceID]; ok {
		// Coalesce: the newest command wins when the window closes.
		p.req = req
		ch := make(chan result, 1)
		p.waiters = append(p.waiters, ch)
		d.mu.Unlock()
		d.log.Debug("command coalesced", "device_id", req.DeviceID, "kind", req.Kind)
		return d.wait(ctx, ch)
	}

	since := d.now().Sub(d.lastSent[req.DeviceID])
	if since >= d.cooldown {
		d.lastSent[req.DeviceID] = d.now()
		d.mu.Unlock()
		return d.send(ctx, req)
	}

	ch := make(chan result, 1)
	p := &pendingCmd{req: req, waiters: []chan result{ch}}
	p.timer = time.AfterFunc(d.cooldown-since, func() { d.flush(req.DeviceID) })
	d.pending[req.DeviceID] = p
	d.mu.Unlock()

	d.log.Debug("command queued for cooldown window", "device_id", req.DeviceID, "kind", req.Kind)
	return d.wait(ctx, ch)
}

func (d *Dispatcher) wait(ctx context.Context, ch <-chan result) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.ack, res.err
	}
}

// flush sends the latest coalesced command for a device once its cooldown
// window closes.
func (d *Dispatcher) flush(deviceID string) {
	d.mu.Lock()
	p, ok := d.pending[deviceID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, deviceID)
	d.lastSent[deviceID] = d.now()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	ack, err := d.send(ctx, p.req)
	for _, ch := range p.waiters {
		ch <- result{ack: ack, err: err}
	}
}

func (d *Dispatcher) send(ctx context.Context, req CommandRequest) ([]byte, error) {
	switch req.Kind {
	case KindMove:
		return d.api.PTZMove(ctx, req.DeviceID, string(req.Direction), req.Speed)
	case KindPreset:
		return d.api.PTZPreset(ctx, req.DeviceID, req.Preset)
	case KindStop:
		return d.api.PTZStop(ctx, req.DeviceID)
	default:
		return nil, pverr.Newf(pverr.KindValidation, "ptz.dispatch", "unknown command kind %q", req.Kind)
	}
}

// Close stops all cooldown timers and fails any held commands with
// ErrClosed. Further Dispatch calls return ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	for id, p := range d.pending {
		p.timer.Stop()
		for _, ch := range p.waiters {
			ch <- result{err: ErrClosed}
		}
		delete(d.pending, id)
	}
}

// normalize validates a request and clamps the speed of MOVE commands.
// Out-of-range speed is clamped rather than rejected so benign automations
// with slightly off values keep working; a zero speed means the caller left
// it unset and clamps up to MinSpeed.
func normalize(req CommandRequest) (CommandRequest, error) {
	const op = "ptz.dispatch"

	if req.DeviceID == "" {
		return req, pverr.New(pverr.KindValidation, op, "device_id is required")
	}

	switch req.Kind {
	case KindMove:
		if !validDirections[req.Direction] {
			return req, pverr.Newf(pverr.KindValidation, op, "unknown direction %q", req.Direction)
		}
		if req.Speed < MinSpeed {
			req.Speed = MinSpeed
		} else if req.Speed > MaxSpeed {
			req.Speed = MaxSpeed
		}
	case KindPreset:
		if req.Preset < 1 || req.Preset > 255 {
			return req, pverr.Newf(pverr.KindValidation, op, "preset %d out of range 1-255", req.Preset)
		}
	case KindStop:
		// no parameters
	default:
		return req, pverr.Newf(pverr.KindValidation, op, "unknown command kind %q", req.Kind)
	}
	return req, nil
}
