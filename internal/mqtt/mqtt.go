// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every camera, relays PTZ commands to the
// dispatcher, and forwards device state changes from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pentavision/pentavisiond/internal/core/ptz"
	"github.com/pentavision/pentavisiond/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// Commander dispatches PTZ commands without importing the client package
// directly.
type Commander interface {
	Dispatch(ctx context.Context, req ptz.CommandRequest) ([]byte, error)
}

// DeviceReader provides read access to the current device table.
type DeviceReader interface {
	Snapshot() []state.Device
}

// SnapshotFetcher pulls still images from the server for the HA camera
// entities. Implemented by client.API.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, id string) ([]byte, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs per camera,
// subscribes to PTZ command topics and relays them to the dispatcher, and
// forwards device changes from the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   Commander
	store DeviceReader
	snaps SnapshotFetcher
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	mu    sync.Mutex
	known map[string]bool // cameras with discovery published

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher. snaps may be
// nil, in which case no camera entities are published.
func NewHAPublisher(cfg Config, cmd Commander, store DeviceReader, snaps SnapshotFetcher, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		cmd:   cmd,
		store: store,
		snaps: snaps,
		bus:   bus,
		log:   log,
		known: make(map[string]bool),
		stopC: make(chan struct{}),
	}
}

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("pentavision-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)

	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish discovery for all known cameras.
	for _, d := range p.store.Snapshot() {
		p.publishDeviceDiscovery(d)
	}

	// 3. Subscribe to PTZ command topics for all cameras.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			for _, d := range p.store.Snapshot() {
				p.publishDeviceDiscovery(d)
				p.publishDeviceState(d)
			}
		}
	})

	// 5. Publish initial state and a first image per online camera.
	for _, d := range p.store.Snapshot() {
		p.publishDeviceState(d)
		if d.Online {
			p.publishSnapshot(d.ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the HA device block for one camera.
func (p *HAPublisher) deviceInfo(d state.Device) map[string]any {
	return map[string]any{
		"identifiers":  []string{fmt.Sprintf("%s_%s", p.cfg.DeviceID, d.ID)},
		"name":         d.Name,
		"manufacturer": "PentaVision",
		"model":        "IP Camera",
		"via_device":   p.cfg.DeviceID,
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDeviceDiscovery(d state.Device) {
	p.mu.Lock()
	p.known[d.ID] = true
	p.mu.Unlock()

	dev := p.deviceInfo(d)
	avail := map[string]any{
		"topic": p.topic("status"),
	}
	uid := fmt.Sprintf("%s_%s", p.cfg.DeviceID, d.ID)

	p.publishDiscoveryConfig("binary_sensor", d.ID, "motion", map[string]any{
		"name":         fmt.Sprintf("%s Motion", d.Name),
		"unique_id":    fmt.Sprintf("%s_motion", uid),
		"state_topic":  p.cameraTopic(d.ID, "motion/state"),
		"device_class": "motion",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("binary_sensor", d.ID, "online", map[string]any{
		"name":         fmt.Sprintf("%s Online", d.Name),
		"unique_id":    fmt.Sprintf("%s_online", uid),
		"state_topic":  p.cameraTopic(d.ID, "connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	if d.PTZCapable {
		p.publishDiscoveryConfig("button", d.ID, "ptz_stop", map[string]any{
			"name":          fmt.Sprintf("%s PTZ Stop", d.Name),
			"unique_id":     fmt.Sprintf("%s_ptz_stop", uid),
			"command_topic": p.cameraTopic(d.ID, "ptz/stop/set"),
			"payload_press": "STOP",
			"device":        dev,
			"availability":  avail,
		})
	}

	if p.snaps != nil {
		p.publishDiscoveryConfig("camera", d.ID, "snapshot", map[string]any{
			"name":         fmt.Sprintf("%s Snapshot", d.Name),
			"unique_id":    fmt.Sprintf("%s_snapshot", uid),
			"topic":        p.cameraTopic(d.ID, "snapshot"),
			"device":       dev,
			"availability": avail,
		})
	}
}

// publishSnapshot fetches a still from the server and publishes it on the
// camera's image topic. Failures are logged and the previous retained image
// stays in place.
func (p *HAPublisher) publishSnapshot(id string) {
	if p.snaps == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	img, err := p.snaps.Snapshot(ctx, id)
	if err != nil {
		p.log.Warn("snapshot fetch failed", "camera_id", id, "error", err)
		return
	}
	p.publishBytes(p.cameraTopic(id, "snapshot"), img, true)
}

// clearDeviceDiscovery retracts the discovery configs of a removed camera by
// publishing empty retained payloads.
func (p *HAPublisher) clearDeviceDiscovery(id string) {
	p.mu.Lock()
	delete(p.known, id)
	p.mu.Unlock()

	for _, object := range []struct{ component, objectID string }{
		{"binary_sensor", "motion"},
		{"binary_sensor", "online"},
		{"button", "ptz_stop"},
		{"camera", "snapshot"},
	} {
		topic := discoveryTopic(object.component, fmt.Sprintf("%s_%s", p.cfg.DeviceID, id), object.objectID)
		p.publish(topic, "", true)
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, cameraID, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, fmt.Sprintf("%s_%s", p.cfg.DeviceID, cameraID), objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

// subscribeCommands subscribes a single wildcard covering every camera's PTZ
// command topics: {prefix}/{device_id}/{camera_id}/ptz/{action}/set.
func (p *HAPublisher) subscribeCommands() {
	filter := fmt.Sprintf("%s/%s/+/ptz/+/set", p.cfg.TopicPrefix, p.cfg.DeviceID)
	token := p.client.Subscribe(filter, 1, p.handlePTZCommand)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topics", "filter", filter, "error", err)
	}
}

func (p *HAPublisher) handlePTZCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	// {prefix}/{device_id}/{camera_id}/ptz/{action}/set
	if len(parts) < 6 {
		p.log.Warn("unexpected command topic", "topic", msg.Topic())
		return
	}
	cameraID := parts[len(parts)-4]
	action := parts[len(parts)-2]
	payload := strings.TrimSpace(string(msg.Payload()))

	req, err := commandFromTopic(cameraID, action, payload)
	if err != nil {
		p.log.Error("invalid PTZ command", "topic", msg.Topic(), "payload", payload, "error", err)
		return
	}

	p.log.Info("MQTT PTZ command", "camera_id", cameraID, "action", action, "payload", payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.cmd.Dispatch(ctx, req); err != nil {
		p.log.Error("failed to dispatch PTZ command", "camera_id", cameraID, "error", err)
	}
}

// commandFromTopic builds a CommandRequest from a command topic action and
// payload. Move payloads are "direction" or "direction:speed".
func commandFromTopic(cameraID, action, payload string) (ptz.CommandRequest, error) {
	switch action {
	case "move":
		dir, speedStr, hasSpeed := strings.Cut(payload, ":")
		req := ptz.Move(cameraID, ptz.Direction(dir))
		if hasSpeed {
			speed, err := strconv.Atoi(strings.TrimSpace(speedStr))
			if err != nil {
				return ptz.CommandRequest{}, fmt.Errorf("bad speed %q: %w", speedStr, err)
			}
			req.Speed = speed
		}
		return req, nil
	case "preset":
		preset, err := strconv.Atoi(payload)
		if err != nil {
			return ptz.CommandRequest{}, fmt.Errorf("bad preset %q: %w", payload, err)
		}
		return ptz.Preset(cameraID, preset), nil
	case "stop":
		return ptz.Stop(cameraID), nil
	default:
		return ptz.CommandRequest{}, fmt.Errorf("unknown action %q", action)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishDeviceState(d state.Device) {
	p.publish(p.cameraTopic(d.ID, "motion/state"), boolToOnOff(d.MotionActive), true)
	p.publish(p.cameraTopic(d.ID, "connection/state"), boolToOnOff(d.Online), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDeviceChanged:
		p.mu.Lock()
		isKnown := p.known[evt.Device.ID]
		p.mu.Unlock()
		if !isKnown {
			p.publishDeviceDiscovery(evt.Device)
		}
		p.publishDeviceState(evt.Device)
		// Refresh the camera image when motion starts.
		if evt.Device.MotionActive {
			p.publishSnapshot(evt.Device.ID)
		}

	case state.EventDeviceRemoved:
		p.publish(p.cameraTopic(evt.Device.ID, "connection/state"), "OFF", true)
		p.clearDeviceDiscovery(evt.Device.ID)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// cameraTopic builds a per-camera topic: {prefix}/{device_id}/{camera_id}/{suffix}.
func (p *HAPublisher) cameraTopic(cameraID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, cameraID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	p.publishBytes(topic, []byte(payload), retained)
}

func (p *HAPublisher) publishBytes(topic string, payload []byte, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
