package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pentavision/pentavisiond/internal/core/state"
)

// API is the typed surface of the Video Tunnel API on top of the transport
// client.
type API struct {
	c       *Client
	baseURL string
	tokens  TokenSource
}

// NewAPI wraps a transport client with typed Video Tunnel calls.
func NewAPI(c *Client) *API {
	return &API{c: c, baseURL: c.baseURL, tokens: c.tokens}
}

// deviceList is the envelope of GET /devices.
type deviceList struct {
	Devices []state.Device `json:"devices"`
}

// Devices fetches the camera list the server currently knows about.
func (a *API) Devices(ctx context.Context) ([]state.Device, error) {
	var list deviceList
	if err := a.c.GetJSON(ctx, "/devices", &list); err != nil {
		return nil, err
	}
	return list.Devices, nil
}

// Device fetches detailed info for a single camera.
func (a *API) Device(ctx context.Context, id string) (state.Device, error) {
	var d state.Device
	if err := a.c.GetJSON(ctx, "/devices/"+url.PathEscape(id), &d); err != nil {
		return state.Device{}, err
	}
	return d, nil
}

// ServerStatus holds the server's self-reported counters.
type ServerStatus struct {
	Uptime                float64 `json:"uptime"`
	RequestsTotal         int64   `json:"requests_total"`
	RequestsAuthenticated int64   `json:"requests_authenticated"`
	ActiveStreams         int     `json:"active_streams"`
}

// Status fetches the server status counters.
func (a *API) Status(ctx context.Context) (ServerStatus, error) {
	var st ServerStatus
	if err := a.c.GetJSON(ctx, "/status", &st); err != nil {
		return ServerStatus{}, err
	}
	return st, nil
}

// Snapshot fetches a still JPEG from the camera.
func (a *API) Snapshot(ctx context.Context, id string) ([]byte, error) {
	return a.c.Get(ctx, "/devices/"+url.PathEscape(id)+"/snapshot")
}

// ptzCommand is the shared body shape of the /ptz endpoints.
type ptzCommand struct {
	DeviceID  string `json:"device_id"`
	Direction string `json:"direction,omitempty"`
	Speed     int    `json:"speed,omitempty"`
	Preset    int    `json:"preset,omitempty"`
}

// PTZMove starts a pan/tilt/zoom motion in the given direction at the given
// speed (1-100).
func (a *API) PTZMove(ctx context.Context, deviceID, direction string, speed int) ([]byte, error) {
	return a.c.Post(ctx, "/ptz/move", ptzCommand{DeviceID: deviceID, Direction: direction, Speed: speed})
}

// PTZPreset moves the camera to a stored preset position (1-255).
func (a *API) PTZPreset(ctx context.Context, deviceID string, preset int) ([]byte, error) {
	return a.c.Post(ctx, "/ptz/preset", ptzCommand{DeviceID: deviceID, Preset: preset})
}

// PTZStop halts any in-progress PTZ motion.
func (a *API) PTZStop(ctx context.Context, deviceID string) ([]byte, error) {
	return a.c.Post(ctx, "/ptz/stop", ptzCommand{DeviceID: deviceID})
}

// MJPEGURL builds the MJPEG stream URL for a camera, carrying the current
// session token as a query parameter.
func (a *API) MJPEGURL(ctx context.Context, id string) (string, error) {
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/stream/mjpeg/%s?session_token=%s", a.baseURL, url.PathEscape(id), url.QueryEscape(tok)), nil
}

// HLSURL builds the HLS playlist URL for a camera.
func (a *API) HLSURL(ctx context.Context, id string) (string, error) {
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/stream/hls/%s/index.m3u8?session_token=%s", a.baseURL, url.PathEscape(id), url.QueryEscape(tok)), nil
}
