package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"screencore/internal/bridge"
	"screencore/internal/capture"
	"screencore/internal/snapshot"
)

// fakeDriver never actually connects anywhere; it's only here so Worker
// construction and Attach/Detach bookkeeping can be exercised without a
// real device. Attach will fail at the device-process spawn step, which
// is fine for tests that
// only care about session bookkeeping, not a running stream.
type fakeDriver struct{}

func (fakeDriver) PushFile(context.Context, string, string, string) error { return nil }
func (fakeDriver) ForwardPort(context.Context, string, int, string) (int, error) {
	return 0, nil
}
func (fakeDriver) UnforwardPort(context.Context, string, int) error { return nil }
func (fakeDriver) SpawnDeviceProcess(context.Context, string, string, string, []string) (bridge.ProcessHandle, error) {
	return nil, errUnreachable
}
func (fakeDriver) GetProp(context.Context, string, string) (string, error) { return "", nil }
func (fakeDriver) TrackDevices(context.Context) (<-chan bridge.DeviceSetSnapshot, error) {
	return make(chan bridge.DeviceSetSnapshot), nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errUnreachable = stubErr("no device reachable in tests")

func newTestRegistry() *Registry {
	return New(fakeDriver{}, capture.Balanced(), 1<<20, 16, snapshot.DefaultConfig(), 20*time.Millisecond, zerolog.Nop())
}

func TestRegistry_GetOrCreateReusesSameSessionPerSerial(t *testing.T) {
	r := newTestRegistry()
	a := r.getOrCreate("serial-1")
	b := r.getOrCreate("serial-1")
	require.Same(t, a, b)
}

func TestRegistry_AttachStreamFailsWhenWorkerCannotStart(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err := r.AttachStream(ctx, "serial-2")
	require.Error(t, err)
}

func TestRegistry_MetricsReportsKnownSessions(t *testing.T) {
	r := newTestRegistry()
	r.getOrCreate("serial-3")

	metrics := r.Metrics()
	require.Len(t, metrics, 1)
	require.Equal(t, "serial-3", metrics[0].Serial)
	require.Equal(t, 0, metrics[0].StreamClients)
}

func TestRegistry_ReapRemovesIdleSessionAfterLinger(t *testing.T) {
	r := newTestRegistry()
	s := r.getOrCreate("serial-4")

	s.mu.Lock()
	r.maybeScheduleIdleLocked(s)
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.sessions["serial-4"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_CancelIdleStopsScheduledReap(t *testing.T) {
	r := newTestRegistry()
	s := r.getOrCreate("serial-5")

	s.mu.Lock()
	r.maybeScheduleIdleLocked(s)
	r.cancelIdleLocked(s)
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	r.mu.RLock()
	_, ok := r.sessions["serial-5"]
	r.mu.RUnlock()
	require.True(t, ok)
}

func TestRegistry_StopAllClosesSessionsWithinDeadline(t *testing.T) {
	r := newTestRegistry()
	r.getOrCreate("serial-6")
	r.getOrCreate("serial-7")

	err := r.StopAll(time.Second)
	require.NoError(t, err)
	require.Empty(t, r.Metrics())
}

// streamingDriver accepts a connection and holds it open, so a worker it
// drives actually reaches stateRunning instead of failing to dial.
type streamingDriver struct {
	listener net.Listener
	proc     *killTrackingProcess
}

func (d *streamingDriver) PushFile(context.Context, string, string, string) error { return nil }
func (d *streamingDriver) ForwardPort(context.Context, string, int, string) (int, error) {
	return d.listener.Addr().(*net.TCPAddr).Port, nil
}
func (d *streamingDriver) UnforwardPort(context.Context, string, int) error { return nil }
func (d *streamingDriver) SpawnDeviceProcess(context.Context, string, string, string, []string) (bridge.ProcessHandle, error) {
	go func() {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return d.proc, nil
}
func (d *streamingDriver) GetProp(context.Context, string, string) (string, error) { return "", nil }
func (d *streamingDriver) TrackDevices(context.Context) (<-chan bridge.DeviceSetSnapshot, error) {
	return make(chan bridge.DeviceSetSnapshot), nil
}

type killTrackingProcess struct {
	killed bool
}

func (p *killTrackingProcess) Wait(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (p *killTrackingProcess) Kill() error                     { p.killed = true; return nil }
func (p *killTrackingProcess) Stdout() <-chan string           { return nil }

func TestRegistry_StopAllStopsRunningWorkerAndPipeline(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	proc := &killTrackingProcess{}
	driver := &streamingDriver{listener: listener, proc: proc}
	r := New(driver, capture.Balanced(), 1<<20, 16, snapshot.DefaultConfig(), 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, detach, err := r.AttachStream(ctx, "serial-8")
	require.NoError(t, err)
	defer detach()

	require.NoError(t, r.StopAll(time.Second))
	require.Empty(t, r.Metrics())
	require.True(t, proc.killed)
}

func TestRegistry_StopRemovesSessionAndStopsRunningWorker(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	proc := &killTrackingProcess{}
	driver := &streamingDriver{listener: listener, proc: proc}
	r := New(driver, capture.Balanced(), 1<<20, 16, snapshot.DefaultConfig(), 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, detach, err := r.AttachStream(ctx, "serial-9")
	require.NoError(t, err)
	defer detach()

	require.NoError(t, r.Stop(ctx, "serial-9"))
	require.Empty(t, r.Metrics())
	require.True(t, proc.killed)
}

func TestRegistry_StopOnUnknownSerialIsNoop(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Stop(context.Background(), "never-seen"))
}

func TestRegistry_UpdateConfigOnUnknownSerialIsNoop(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.UpdateConfig(context.Background(), "never-seen", capture.HighQuality()))
}

func TestRegistry_UpdateConfigAppliesToExistingIdleSession(t *testing.T) {
	r := newTestRegistry()
	r.getOrCreate("serial-10")

	// The worker is idle (never attached), so UpdateConfig just adopts
	// the new config for its next start rather than restarting anything.
	require.NoError(t, r.UpdateConfig(context.Background(), "serial-10", capture.HighQuality()))

	metrics := r.Metrics()
	require.Len(t, metrics, 1)
	require.Equal(t, "serial-10", metrics[0].Serial)
}
