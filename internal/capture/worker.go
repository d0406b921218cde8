package capture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"screencore/internal/bridge"
	"screencore/internal/h264"
)

// state is the capture worker's lifecycle, driven entirely by the
// subscriber refcount plus the health of the underlying encoder agent
// connection.
type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

// minRestartWaitAfterEmptyGOP is how long the GOP cache must have been
// empty, continuously, before a 0->1 refcount transition is allowed to
// trigger a fresh restart of an already-healthy stream. See the
// decision recorded for the subscriber-restart Open Question.
const minRestartWaitAfterEmptyGOP = 2 * time.Second

const (
	localAbstract   = "screencore_video"
	remoteAgentPath = "/data/local/tmp/screencore-agent.jar"
)

// OnUnit is invoked for every H.264 unit the capture worker extracts
// from the device encoder stream, in arrival order, from the worker's
// single read-loop goroutine.
type OnUnit func(serial string, u h264.Unit)

// Worker owns one encoder-agent process for one device. Creating and
// destroying it is the registry's job; Attach/Detach is how subscribers
// (stream or snapshot) express interest.
type Worker struct {
	serial string
	driver bridge.Driver
	cfg    Config
	onUnit OnUnit
	log    zerolog.Logger

	mu           sync.Mutex
	st           state
	refCount     int
	extractor    *h264.Extractor
	gop          *h264.GopCache
	cancel       context.CancelFunc
	proc         bridge.ProcessHandle
	doneCh       chan struct{}
	stoppedEmpty time.Time // when the GOP cache last became/stayed empty
	delayedStop  *time.Timer
	startErr     error
	startedCh    chan struct{}
}

// New constructs a capture worker for one device. It does nothing until
// Attach is called.
func New(serial string, driver bridge.Driver, cfg Config, gopCapBytes int, onUnit OnUnit, log zerolog.Logger) *Worker {
	return &Worker{
		serial:    serial,
		driver:    driver,
		cfg:       cfg,
		onUnit:    onUnit,
		log:       log.With().Str("serial", serial).Logger(),
		gop:       h264.NewGopCache(gopCapBytes),
		extractor: h264.NewExtractor(),
	}
}

// Attach registers a new subscriber and, on a 0->1 transition, starts
// the encoder agent if it isn't already running (or restarts it when
// the GOP cache has been empty long enough to justify a fresh one). It
// blocks until the worker is confirmed running or ctx expires.
func (w *Worker) Attach(ctx context.Context) error {
	w.mu.Lock()
	w.refCount++
	shouldStart := w.shouldStartLocked()
	restarting := shouldStart && w.st == stateRunning
	refCount := w.refCount
	oldCancel, oldDone := w.cancel, w.doneCh
	if w.delayedStop != nil {
		w.delayedStop.Stop()
		w.delayedStop = nil
	}
	var wait chan struct{}
	if w.st == stateStarting || w.st == stateRunning {
		wait = w.startedCh
	}
	w.mu.Unlock()

	if restarting {
		// Tear the running agent down first; teardown zeroes refCount.
		oldCancel()
		select {
		case <-oldDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
		w.refCount = refCount
		w.mu.Unlock()
	}
	if shouldStart {
		return w.start(ctx)
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	err := w.startErr
	w.mu.Unlock()
	return err
}

func (w *Worker) shouldStartLocked() bool {
	if w.st == stateIdle {
		return true
	}
	if w.st == stateRunning && w.refCount == 1 {
		empty := !w.gop.Ready()
		longEnough := !w.stoppedEmpty.IsZero() && time.Since(w.stoppedEmpty) >= minRestartWaitAfterEmptyGOP
		return empty && longEnough
	}
	return false
}

// Detach releases one subscriber's interest. On the last release, the
// worker is stopped after a short grace period rather than immediately,
// so a quick reconnect doesn't pay the encoder-agent startup cost again.
func (w *Worker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refCount > 0 {
		w.refCount--
	}
	if w.refCount == 0 && w.st == stateRunning {
		if w.delayedStop != nil {
			w.delayedStop.Stop()
		}
		w.delayedStop = time.AfterFunc(w.cfg.IdleStopGrace, w.stopIfStillIdle)
	}
}

// Stop unconditionally cancels the worker's run loop, regardless of
// refcount, and blocks until its teardown has finished (port-forward
// removed, device process killed) or ctx expires. If ctx expires first
// it escalates by killing the device process directly rather than
// waiting for the read loop to unwind on its own. Detach is the normal
// per-subscriber path; Stop is for process shutdown.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.delayedStop != nil {
		w.delayedStop.Stop()
		w.delayedStop = nil
	}
	cancel := w.cancel
	done := w.doneCh
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		proc := w.proc
		w.mu.Unlock()
		if proc != nil {
			proc.Kill()
		}
		return ctx.Err()
	}
}

// UpdateConfig swaps in a new immutable config record and, if the
// worker is currently running (or starting), stops and restarts the
// encoder agent under it — the GOP cache and extractor are reset by
// the same teardown a normal stop goes through, so subscribers see a
// glitch until the next IDR, but they stay attached: the refcount a
// stop/restart would otherwise zero out is restored before restarting.
// A worker that's idle just adopts the new config for its next start.
func (w *Worker) UpdateConfig(ctx context.Context, cfg Config) error {
	w.mu.Lock()
	w.cfg = cfg
	running := w.st == stateStarting || w.st == stateRunning
	savedRefCount := w.refCount
	if w.delayedStop != nil {
		w.delayedStop.Stop()
		w.delayedStop = nil
	}
	cancel := w.cancel
	done := w.doneCh
	w.mu.Unlock()

	if !running {
		return nil
	}

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			w.mu.Lock()
			proc := w.proc
			w.mu.Unlock()
			if proc != nil {
				proc.Kill()
			}
			return ctx.Err()
		}
	}

	w.mu.Lock()
	w.refCount = savedRefCount
	w.mu.Unlock()

	return w.start(ctx)
}

func (w *Worker) stopIfStillIdle() {
	w.mu.Lock()
	idle := w.refCount == 0 && w.st == stateRunning
	cancel := w.cancel
	w.mu.Unlock()
	if idle && cancel != nil {
		cancel()
	}
}

// GopSnapshot returns the units a newly-joining subscriber should be
// prefilled with, or nil if no usable GOP is cached yet.
func (w *Worker) GopSnapshot() []h264.Unit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gop.Snapshot()
}

func (w *Worker) start(ctx context.Context) error {
	w.mu.Lock()
	w.st = stateStarting
	w.startedCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx)

	select {
	case <-w.startedCh:
		w.mu.Lock()
		err := w.startErr
		w.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) finishStarting(err error) {
	w.mu.Lock()
	w.startErr = err
	if err == nil {
		w.st = stateRunning
	} else {
		w.st = stateIdle
	}
	ch := w.startedCh
	w.mu.Unlock()
	close(ch)
}

// run drives one encoder-agent lifecycle end to end: push the agent jar,
// forward a port, spawn the process, dial the forwarded socket, and read
// the raw stream until the context is cancelled or the connection drops.
func (w *Worker) run(ctx context.Context) {
	defer w.teardown()

	if err := w.cfg.Validate(); err != nil {
		w.finishStarting(err)
		return
	}

	if err := w.driver.PushFile(ctx, w.serial, w.cfg.EncoderAgentPath, remoteAgentPath); err != nil {
		w.finishStarting(fmt.Errorf("push encoder agent: %w", err))
		return
	}

	hostPort, err := w.driver.ForwardPort(ctx, w.serial, 0, localAbstract)
	if err != nil {
		w.finishStarting(fmt.Errorf("forward port: %w", err))
		return
	}
	defer w.driver.UnforwardPort(context.Background(), w.serial, hostPort)

	proc, err := w.driver.SpawnDeviceProcess(ctx, w.serial, remoteAgentPath,
		"com.screencore.agent.Server", append([]string{fmt.Sprintf("scid=%s", localAbstract)}, w.cfg.ToAgentArgs()...))
	if err != nil {
		w.finishStarting(fmt.Errorf("spawn device process: %w", err))
		return
	}
	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.proc = nil
		w.mu.Unlock()
	}()
	defer proc.Kill()

	conn, err := dialWithRetry(ctx, fmt.Sprintf("127.0.0.1:%d", hostPort), 10, 500*time.Millisecond)
	if err != nil {
		w.finishStarting(fmt.Errorf("dial encoder agent: %w", err))
		return
	}
	defer conn.Close()

	w.finishStarting(nil)
	w.log.Info().Int("host_port", hostPort).Msg("capture worker running")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			w.consume(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("encoder agent connection lost")
			}
			return
		}
	}
}

func (w *Worker) consume(chunk []byte) {
	units := w.extractor.Push(chunk)
	for _, u := range units {
		w.mu.Lock()
		overflowed := w.gop.Observe(u)
		if w.gop.Ready() {
			w.stoppedEmpty = time.Time{}
		} else if w.stoppedEmpty.IsZero() {
			w.stoppedEmpty = time.Now()
		}
		w.mu.Unlock()
		if overflowed {
			w.log.Warn().Msg("gop cache exceeded byte cap, discarding until next IDR")
		}
		if w.onUnit != nil {
			w.onUnit(w.serial, u)
		}
	}
}

func (w *Worker) teardown() {
	w.mu.Lock()
	w.st = stateIdle
	w.refCount = 0
	w.gop.Reset()
	w.extractor = h264.NewExtractor()
	done := w.doneCh
	w.doneCh = nil
	w.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func dialWithRetry(ctx context.Context, addr string, attempts int, interval time.Duration) (net.Conn, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, attempts, lastErr)
}
