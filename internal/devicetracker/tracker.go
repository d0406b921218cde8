// Package devicetracker maintains the known-device set from the bridge's
// track-devices stream, enriches newly-seen devices with model/
// manufacturer properties, and fans out change events to SSE listeners.
package devicetracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"screencore/internal/bridge"
)

// Device is the enriched record the rest of the system sees.
type Device struct {
	Serial       string            `json:"serial"`
	State        bridge.DeviceState `json:"state"`
	Model        string            `json:"model,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	IsEmulator   bool              `json:"isEmulator"`
	LastSeen     time.Time         `json:"lastSeen"`
}

// Tracker owns the current device set and notifies subscribers of any
// change, with a full snapshot on every notification (no incremental
// diffs reach subscribers, by contract).
type Tracker struct {
	driver bridge.Driver
	log    zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*Device

	subMu sync.Mutex
	subs  map[string]chan []Device
}

// New constructs a Tracker. Call Run to start consuming track-devices
// events.
func New(driver bridge.Driver, log zerolog.Logger) *Tracker {
	return &Tracker{
		driver:  driver,
		log:     log,
		devices: make(map[string]*Device),
		subs:    make(map[string]chan []Device),
	}
}

// Run consumes the bridge's device-set stream until ctx is cancelled,
// diffing each snapshot against the known set, enriching newly-seen
// devices, and publishing a full snapshot to every subscriber on any
// change.
func (t *Tracker) Run(ctx context.Context) error {
	snapshots, err := t.driver.TrackDevices(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			t.applySnapshot(ctx, snap)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) applySnapshot(ctx context.Context, snap bridge.DeviceSetSnapshot) {
	seen := make(map[string]bridge.DeviceState, len(snap.Devices))
	changed := false

	for _, entry := range snap.Devices {
		seen[entry.Serial] = entry.State

		t.mu.Lock()
		existing, known := t.devices[entry.Serial]
		if !known {
			existing = &Device{Serial: entry.Serial, IsEmulator: isEmulator(entry.Serial)}
			t.devices[entry.Serial] = existing
			changed = true
		}
		if existing.State != entry.State {
			existing.State = entry.State
			changed = true
		}
		existing.LastSeen = snap.At
		needsEnrichment := !known && entry.State == bridge.StateDevice
		t.mu.Unlock()

		if needsEnrichment {
			go t.enrich(ctx, entry.Serial)
		}
	}

	t.mu.Lock()
	for serial := range t.devices {
		if _, ok := seen[serial]; !ok {
			delete(t.devices, serial)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish()
	}
}

func (t *Tracker) enrich(ctx context.Context, serial string) {
	model, err := t.driver.GetProp(ctx, serial, "ro.product.model")
	if err != nil {
		t.log.Debug().Err(err).Str("serial", serial).Msg("failed to read device model")
		return
	}
	manufacturer, _ := t.driver.GetProp(ctx, serial, "ro.product.manufacturer")

	t.mu.Lock()
	if d, ok := t.devices[serial]; ok {
		d.Model = strings.TrimSpace(model)
		d.Manufacturer = strings.TrimSpace(manufacturer)
	}
	t.mu.Unlock()
	t.publish()
}

func isEmulator(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}

// List returns every currently known device.
func (t *Tracker) List() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	return out
}

// Get returns one device by serial.
func (t *Tracker) Get(serial string) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[serial]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Subscribe registers an SSE listener, returning a channel that
// receives the full device list on every change, plus an unsubscribe
// function.
func (t *Tracker) Subscribe(id string) (<-chan []Device, func()) {
	ch := make(chan []Device, 1)
	t.subMu.Lock()
	t.subs[id] = ch
	t.subMu.Unlock()

	// Prime the new subscriber with the current snapshot.
	ch <- t.List()

	return ch, func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
		close(ch)
	}
}

func (t *Tracker) publish() {
	snapshot := t.List()
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest queued snapshot in favor of the latest,
			// since SSE notifications are full-snapshot, not deltas.
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
