package devicetracker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"screencore/internal/bridge"
)

type fakeDriver struct {
	snapshots chan bridge.DeviceSetSnapshot
	props     map[string]map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		snapshots: make(chan bridge.DeviceSetSnapshot, 4),
		props:     make(map[string]map[string]string),
	}
}

func (f *fakeDriver) PushFile(context.Context, string, string, string) error { return nil }
func (f *fakeDriver) ForwardPort(context.Context, string, int, string) (int, error) {
	return 0, nil
}
func (f *fakeDriver) UnforwardPort(context.Context, string, int) error { return nil }
func (f *fakeDriver) SpawnDeviceProcess(context.Context, string, string, string, []string) (bridge.ProcessHandle, error) {
	return nil, nil
}

func (f *fakeDriver) GetProp(ctx context.Context, serial, key string) (string, error) {
	if props, ok := f.props[serial]; ok {
		return props[key], nil
	}
	return "", nil
}

func (f *fakeDriver) TrackDevices(ctx context.Context) (<-chan bridge.DeviceSetSnapshot, error) {
	return f.snapshots, nil
}

func TestTracker_AppliesSnapshotAndEnrichesNewDevice(t *testing.T) {
	driver := newFakeDriver()
	driver.props["ABC123"] = map[string]string{
		"ro.product.model":        "Pixel 7",
		"ro.product.manufacturer": "Google",
	}

	tr := New(driver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tr.Run(ctx)

	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "ABC123", State: bridge.StateDevice}},
		At:      time.Now(),
	}

	require.Eventually(t, func() bool {
		d, ok := tr.Get("ABC123")
		return ok && d.Model == "Pixel 7" && d.Manufacturer == "Google"
	}, time.Second, 10*time.Millisecond)

	d, _ := tr.Get("ABC123")
	require.False(t, d.IsEmulator)
}

func TestTracker_RemovesDeviceNoLongerInSnapshot(t *testing.T) {
	driver := newFakeDriver()
	tr := New(driver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "DEV1", State: bridge.StateDevice}},
		At:      time.Now(),
	}
	require.Eventually(t, func() bool {
		_, ok := tr.Get("DEV1")
		return ok
	}, time.Second, 10*time.Millisecond)

	driver.snapshots <- bridge.DeviceSetSnapshot{Devices: nil, At: time.Now()}
	require.Eventually(t, func() bool {
		_, ok := tr.Get("DEV1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTracker_IdentifiesEmulatorBySerialPrefix(t *testing.T) {
	driver := newFakeDriver()
	tr := New(driver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "emulator-5554", State: bridge.StateDevice}},
		At:      time.Now(),
	}
	require.Eventually(t, func() bool {
		d, ok := tr.Get("emulator-5554")
		return ok && d.IsEmulator
	}, time.Second, 10*time.Millisecond)
}

func TestTracker_SubscribePrimesWithCurrentSnapshot(t *testing.T) {
	driver := newFakeDriver()
	tr := New(driver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "DEV2", State: bridge.StateDevice}},
		At:      time.Now(),
	}
	require.Eventually(t, func() bool {
		_, ok := tr.Get("DEV2")
		return ok
	}, time.Second, 10*time.Millisecond)

	events, unsubscribe := tr.Subscribe("sub-1")
	defer unsubscribe()

	select {
	case devices := <-events:
		require.Len(t, devices, 1)
		require.Equal(t, "DEV2", devices[0].Serial)
	case <-time.After(time.Second):
		t.Fatal("expected a primed snapshot on subscribe")
	}
}

func TestTracker_PublishReplacesStaleQueuedSnapshotRatherThanBlocking(t *testing.T) {
	driver := newFakeDriver()
	tr := New(driver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	events, unsubscribe := tr.Subscribe("sub-2")
	defer unsubscribe()
	<-events // drain the priming snapshot

	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "A", State: bridge.StateDevice}},
		At:      time.Now(),
	}
	driver.snapshots <- bridge.DeviceSetSnapshot{
		Devices: []bridge.DeviceEntry{{Serial: "A", State: bridge.StateDevice}, {Serial: "B", State: bridge.StateDevice}},
		At:      time.Now(),
	}

	require.Eventually(t, func() bool {
		select {
		case devices := <-events:
			return len(devices) == 2
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
