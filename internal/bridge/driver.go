// Package bridge talks to the Android debug bridge: device discovery,
// port forwarding, file push, and spawning the on-device encoder agent.
package bridge

import (
	"context"
	"time"
)

// DeviceState mirrors the states adb reports for a connected endpoint.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateConnecting   DeviceState = "connecting"
	StateUnknown      DeviceState = "unknown"
)

// DeviceSetSnapshot is a full device list as reported by host:track-devices.
type DeviceSetSnapshot struct {
	Devices []DeviceEntry
	At      time.Time
}

// DeviceEntry is one line of a track-devices snapshot.
type DeviceEntry struct {
	Serial string
	State  DeviceState
}

// ProcessHandle represents a spawned on-device process (the encoder agent).
type ProcessHandle interface {
	// Wait blocks until the process exits or ctx is cancelled.
	Wait(ctx context.Context) error
	// Kill terminates the process and its associated adb shell session.
	Kill() error
	// Stdout exposes the process's line-buffered combined output, most
	// recently useful for resolution/codec banners the agent prints.
	Stdout() <-chan string
}

// Driver is the Debug-Bridge Driver contract: the only way the rest of
// the system touches adb.
type Driver interface {
	// PushFile copies a local file to the device filesystem.
	PushFile(ctx context.Context, serial, localPath, remotePath string) error

	// ForwardPort maps a local TCP port to a device-side abstract socket,
	// returning the host port actually bound.
	ForwardPort(ctx context.Context, serial string, hostPort int, deviceAbstractSocket string) (int, error)

	// UnforwardPort removes a previously established forward.
	UnforwardPort(ctx context.Context, serial string, hostPort int) error

	// SpawnDeviceProcess starts a long-lived foreground process on the
	// device (the encoder agent) via `adb shell`.
	SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (ProcessHandle, error)

	// GetProp runs `adb shell getprop <key>` and returns the trimmed value.
	GetProp(ctx context.Context, serial, key string) (string, error)

	// TrackDevices streams full device-set snapshots for as long as ctx
	// is alive, reconnecting to the adb server with exponential backoff
	// on disconnect.
	TrackDevices(ctx context.Context) (<-chan DeviceSetSnapshot, error)
}
