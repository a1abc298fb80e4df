package state

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*DeviceStore, <-chan Event) {
	bus := NewEventBus(slog.Default())
	store := NewDeviceStore(bus, slog.Default())
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	return store, events
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestReconcileAddsDevices(t *testing.T) {
	store, events := newTestStore(t)

	store.Reconcile([]Device{
		{ID: "cam2", Name: "Garage", Online: true},
		{ID: "cam1", Name: "Porch", Online: true, MotionActive: true, PTZCapable: true},
	})

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "cam1", snap[0].ID, "snapshot is sorted by id")
	assert.Equal(t, "cam2", snap[1].ID)
	assert.False(t, snap[0].LastSeen.IsZero())

	evts := drain(events)
	require.Len(t, evts, 2)
	for _, e := range evts {
		assert.Equal(t, EventDeviceChanged, e.Type)
	}
}

func TestReconcileEmitsOnlyOnObservableChange(t *testing.T) {
	store, events := newTestStore(t)

	store.Reconcile([]Device{{ID: "cam1", Online: true}})
	drain(events)

	// Same observable state: no event.
	store.Reconcile([]Device{{ID: "cam1", Online: true}})
	assert.Empty(t, drain(events))

	// Motion flips: one event.
	store.Reconcile([]Device{{ID: "cam1", Online: true, MotionActive: true}})
	evts := drain(events)
	require.Len(t, evts, 1)
	assert.Equal(t, EventDeviceChanged, evts[0].Type)
	assert.True(t, evts[0].Device.MotionActive)
}

func TestMissHysteresis(t *testing.T) {
	store, events := newTestStore(t)

	store.Reconcile([]Device{{ID: "cam1", Online: true}})
	drain(events)

	// One missed poll: still present, no events.
	store.Reconcile(nil)
	_, ok := store.Get("cam1")
	assert.True(t, ok, "single miss must be tolerated")
	assert.Empty(t, drain(events))

	// Second consecutive miss: removed, one removal event with Online false.
	store.Reconcile(nil)
	_, ok = store.Get("cam1")
	assert.False(t, ok)

	evts := drain(events)
	require.Len(t, evts, 1)
	assert.Equal(t, EventDeviceRemoved, evts[0].Type)
	assert.False(t, evts[0].Device.Online)
}

func TestMissCounterResetsWhenDeviceReturns(t *testing.T) {
	store, events := newTestStore(t)

	store.Reconcile([]Device{{ID: "cam1", Online: true}})
	store.Reconcile(nil) // miss 1
	store.Reconcile([]Device{{ID: "cam1", Online: true}})
	store.Reconcile(nil) // miss 1 again, not 2
	drain(events)

	_, ok := store.Get("cam1")
	assert.True(t, ok, "a returning device must reset its miss counter")
}

func TestReconcileSkipsDevicesWithoutID(t *testing.T) {
	store, _ := newTestStore(t)

	store.Reconcile([]Device{{Name: "nameless"}, {ID: "cam1"}})
	assert.Len(t, store.Snapshot(), 1)
}

func TestEventBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewEventBus(slog.Default())

	ch, unsub := bus.Subscribe(1)
	bus.Publish(Event{Type: EventDeviceChanged, Device: Device{ID: "cam1"}})

	evt := <-ch
	assert.Equal(t, "cam1", evt.Device.ID)
	assert.False(t, evt.Timestamp.IsZero())

	unsub()
	bus.Publish(Event{Type: EventDeviceChanged})
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event after unsubscribe: %+v", evt)
		}
	default:
	}
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(slog.Default())

	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventDeviceChanged, Device: Device{ID: "a"}})
	bus.Publish(Event{Type: EventDeviceChanged, Device: Device{ID: "b"}}) // dropped

	evt := <-ch
	assert.Equal(t, "a", evt.Device.ID)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}
