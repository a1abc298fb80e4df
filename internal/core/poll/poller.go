// Package poll runs the fixed-interval device synchronization cycle against
// the Video Tunnel API.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pentavision/pentavisiond/internal/core/state"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 30 * time.Second

// DeviceLister fetches the current device list. Implemented by client.API.
type DeviceLister interface {
	Devices(ctx context.Context) ([]state.Device, error)
}

// Poller drives the poll loop: fetch the device list on a fixed schedule and
// hand complete responses to the device store for reconciliation. A failed
// cycle is logged and counted, never retried out of schedule, and never
// touches the store.
type Poller struct {
	api      DeviceLister
	store    *state.DeviceStore
	interval time.Duration
	log      *slog.Logger

	skipped atomic.Uint64
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// New creates a poller. interval <= 0 selects DefaultInterval.
func New(api DeviceLister, store *state.DeviceStore, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		api:      api,
		store:    store,
		interval: interval,
		log:      log,
	}
}

// Start begins the poll loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	if p.running.Load() {
		return fmt.Errorf("poll: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	p.running.Store(true)

	go p.runLoop(ctx)
	return nil
}

// Stop cancels the poll loop and any in-flight request, and waits for the
// loop to exit.
func (p *Poller) Stop(_ context.Context) error {
	if !p.running.Load() {
		return nil
	}
	p.cancel()
	<-p.stopped
	p.running.Store(false)
	return nil
}

// SkippedCycles returns how many poll cycles have failed and been skipped.
func (p *Poller) SkippedCycles() uint64 {
	return p.skipped.Load()
}

// PollOnce runs a single poll cycle. Exposed so the daemon can prime the
// device table before the entity surfaces come up.
func (p *Poller) PollOnce(ctx context.Context) error {
	devices, err := p.api.Devices(ctx)
	if err != nil {
		return err
	}
	p.store.Reconcile(devices)
	return nil
}

func (p *Poller) runLoop(ctx context.Context) {
	defer close(p.stopped)

	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poll loop stopping")
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one poll. Errors do not reset the store's miss counters and do
// not change the schedule.
func (p *Poller) cycle(ctx context.Context) {
	if err := p.PollOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.skipped.Add(1)
		p.log.Warn("poll cycle failed, skipping", "error", err, "skipped_total", p.skipped.Load())
	}
}
