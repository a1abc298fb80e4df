// Package pentavision provides a public facade re-exporting core types
// for external consumers of this module.
package pentavision

import (
	"github.com/pentavision/pentavisiond/internal/core/auth"
	"github.com/pentavision/pentavisiond/internal/core/client"
	"github.com/pentavision/pentavisiond/internal/core/poll"
	"github.com/pentavision/pentavisiond/internal/core/ptz"
	"github.com/pentavision/pentavisiond/internal/core/state"
)

// Re-export core types for external use.
type (
	// SessionManager owns the Video Tunnel session token lifecycle.
	SessionManager = auth.SessionManager
	// SessionInfo is a read-only snapshot of the current session.
	SessionInfo = auth.Info
	// SessionState is the session lifecycle state.
	SessionState = auth.State
	// Client is the authenticated HTTP transport.
	Client = client.Client
	// API is the typed Video Tunnel API surface.
	API = client.API
	// ServerStatus holds the server's self-reported counters.
	ServerStatus = client.ServerStatus
	// Device is one camera as reported by the server.
	Device = state.Device
	// Event represents a device state change.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// EventBus delivers device change notifications to subscribers.
	EventBus = state.EventBus
	// DeviceStore holds the reconciled device table.
	DeviceStore = state.DeviceStore
	// Poller drives the fixed-interval device synchronization loop.
	Poller = poll.Poller
	// Dispatcher validates and paces PTZ commands.
	Dispatcher = ptz.Dispatcher
	// CommandRequest is one PTZ command.
	CommandRequest = ptz.CommandRequest
	// Direction is a PTZ motion direction.
	Direction = ptz.Direction
)

// Session state constants.
const (
	StateUnauthenticated = auth.StateUnauthenticated
	StateActive          = auth.StateActive
	StateExpired         = auth.StateExpired
	StateRevoked         = auth.StateRevoked
)

// Event type constants.
const (
	EventDeviceChanged = state.EventDeviceChanged
	EventDeviceRemoved = state.EventDeviceRemoved
)

// Command kind constants.
const (
	KindMove   = ptz.KindMove
	KindPreset = ptz.KindPreset
	KindStop   = ptz.KindStop
)

// PTZ direction constants.
const (
	DirUp        = ptz.DirUp
	DirDown      = ptz.DirDown
	DirLeft      = ptz.DirLeft
	DirRight     = ptz.DirRight
	DirUpLeft    = ptz.DirUpLeft
	DirUpRight   = ptz.DirUpRight
	DirDownLeft  = ptz.DirDownLeft
	DirDownRight = ptz.DirDownRight
	DirZoomIn    = ptz.DirZoomIn
	DirZoomOut   = ptz.DirZoomOut
)
