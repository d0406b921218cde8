// Package snapshot runs a decode-on-demand pipeline per device: an
// ffmpeg subprocess turns the live H.264 stream into raw frames, and a
// second ffmpeg invocation JPEG-encodes whichever frame is newest when a
// capture request arrives, all without disturbing the broadcast path.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"screencore/internal/h264"
)

// Frame is the most recently decoded raw video frame.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
}

// Result is the metadata returned alongside a JPEG capture.
type Result struct {
	CaptureID  string
	CapturedAt time.Time
	Serial     string
	Width      int
	Height     int
	Bytes      int
	Path       string
}

var resolutionPattern = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)

// Config bounds the pipeline's waits and defaults.
type Config struct {
	FFmpegPath   string
	OutputDir    string
	JPEGQuality  int
	ColdWait     time.Duration
	WarmWait     time.Duration
	DecoderStall time.Duration

	// ShutdownGrace is how long Release waits, after closing the
	// decoder's stdin, for it to exit on its own before killing it.
	ShutdownGrace time.Duration
}

// DefaultConfig matches the original service's documented cold/warm
// capture windows (see the capture_wait_ms Open Question decision).
func DefaultConfig() Config {
	return Config{
		FFmpegPath:    "ffmpeg",
		OutputDir:     "./captures",
		JPEGQuality:   80,
		ColdWait:      8 * time.Second,
		WarmWait:      800 * time.Millisecond,
		DecoderStall:  5 * time.Second,
		ShutdownGrace: 500 * time.Millisecond,
	}
}

// Pipeline is the per-device decode-and-snapshot worker.
type Pipeline struct {
	serial string
	cfg    Config
	log    zerolog.Logger

	// lifecycleMu serializes Acquire/Release/Stop's decoder start/stop
	// transitions, mirroring the original's per-worker asyncio.Lock
	// around acquire()/release() so a release's shutdown grace window
	// can't race a concurrent acquire's restart.
	lifecycleMu sync.Mutex

	mu             sync.Mutex
	refCount       int
	running        bool
	cold           bool
	cancel         context.CancelFunc
	stdin          io.WriteCloser
	stopped        chan struct{}
	decoderStarted time.Time

	frameCond *sync.Cond
	latest    *Frame
	seq       uint64
	lastFrame time.Time

	lastSPS   []byte
	encodeSem chan struct{}

	pendingWidth, pendingHeight int
}

// New constructs a snapshot pipeline for one device.
func New(serial string, cfg Config, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		serial:    serial,
		cfg:       cfg,
		log:       log.With().Str("serial", serial).Logger(),
		encodeSem: make(chan struct{}, 1),
	}
	p.frameCond = sync.NewCond(&p.mu)
	return p
}

// Acquire increments the subscriber refcount, starting the decoder on a
// 0->1 transition. The returned bool reports whether this call is the
// one that started a fresh decoder, so the caller knows when it should
// seed the decoder with a cached GOP rather than rely on the next
// natural IDR.
func (p *Pipeline) Acquire(ctx context.Context) (bool, error) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	p.refCount++
	startingNow := p.refCount == 1 && !p.running
	if startingNow {
		p.cold = true
	}
	p.mu.Unlock()

	if !startingNow {
		return false, nil
	}
	if err := p.startDecoder(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Release decrements the refcount. On a 1->0 transition it closes the
// decoder's stdin and waits up to cfg.ShutdownGrace for it to exit on
// its own before killing it, matching the original worker's
// release()/_stop_decoder() sequence.
func (p *Pipeline) Release() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	if p.refCount > 0 {
		p.refCount--
	}
	shouldStop := p.refCount == 0 && p.running
	stdin := p.stdin
	cancel := p.cancel
	done := p.stopped
	p.mu.Unlock()

	if !shouldStop {
		return
	}
	p.stopDecoder(stdin, cancel, done, p.cfg.ShutdownGrace)
}

// stopDecoder closes stdin so ffmpeg can flush and exit on its own,
// waits up to grace for that, then cancels the decoder's context
// (which escalates to a kill) if it hasn't exited yet.
func (p *Pipeline) stopDecoder(stdin io.WriteCloser, cancel context.CancelFunc, done chan struct{}, grace time.Duration) {
	if stdin != nil {
		stdin.Close()
	}
	if done == nil {
		if cancel != nil {
			cancel()
		}
		return
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	if cancel != nil {
		cancel()
	}
	<-done
}

// Stop forces the decoder to terminate regardless of outstanding
// refcount, used during process shutdown. Acquire/Release is the normal
// per-subscriber path; this skips the shutdown grace window and cancels
// immediately, bounded by ctx instead.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	p.refCount = 0
	cancel := p.cancel
	done := p.stopped
	p.mu.Unlock()

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
		return ctx.Err()
	}
}

// Feed pushes a unit extracted from the live stream into the decoder's
// stdin, re-adding the Annex-B start code the broadcast path strips.
// SPS changes trigger a decoder restart, since ffmpeg can't adapt to a
// resolution change mid-stream.
func (p *Pipeline) Feed(u h264.Unit) {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	if u.Kind == h264.KindSPS {
		changed := p.lastSPS != nil && !bytesEqual(p.lastSPS, u.Data)
		p.lastSPS = append([]byte(nil), u.Data...)
		if changed {
			cancel := p.cancel
			done := p.stopped
			p.mu.Unlock()
			p.log.Info().Msg("SPS changed, restarting decoder for new resolution")
			if cancel != nil {
				cancel()
			}
			if done != nil {
				go func() {
					<-done
					p.restartAfterStall()
				}()
			}
			return
		}
	}
	p.mu.Unlock()

	if !running || stdin == nil {
		return
	}
	frame := make([]byte, 0, len(u.Data)+4)
	frame = append(frame, 0x00, 0x00, 0x00, 0x01)
	frame = append(frame, u.Data...)
	if _, err := stdin.Write(frame); err != nil {
		p.log.Debug().Err(err).Msg("decoder stdin write failed")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Pipeline) startDecoder(ctx context.Context) error {
	decodeCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(decodeCtx, p.cfg.FFmpegPath,
		"-loglevel", "info",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("snapshot: decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("snapshot: decoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("snapshot: decoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("snapshot: start decoder: %w", err)
	}

	stopped := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.stdin = stdin
	p.running = true
	p.latest = nil
	p.lastFrame = time.Time{}
	p.decoderStarted = time.Now()
	p.stopped = stopped
	p.mu.Unlock()

	resolved := make(chan struct{})
	var once sync.Once

	go p.watchStderr(stderr, func(w, h int) {
		once.Do(func() { close(resolved) })
		p.setResolution(w, h)
	})
	go p.readFrames(stdout, resolved)
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		p.running = false
		p.stdin = nil
		p.mu.Unlock()
		p.frameCond.Broadcast()
		close(stopped)
	}()
	if p.cfg.DecoderStall > 0 {
		go p.stallMonitor(stopped)
	}

	return nil
}

// stallMonitor restarts the decoder if it emits zero frames for
// cfg.DecoderStall while it's supposed to be running, per the
// Recovery rule: a wedged ffmpeg process otherwise never produces
// another frame on its own.
func (p *Pipeline) stallMonitor(stopped chan struct{}) {
	interval := p.cfg.DecoderStall / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		running := p.running
		since := p.decoderStarted
		if !p.lastFrame.IsZero() {
			since = p.lastFrame
		}
		cancel := p.cancel
		p.mu.Unlock()

		if !running {
			return
		}
		if time.Since(since) < p.cfg.DecoderStall {
			continue
		}

		p.log.Warn().Dur("stalled_for", time.Since(since)).Msg("decoder stalled, restarting")
		if cancel != nil {
			cancel()
		}
		<-stopped
		p.restartAfterStall()
		return
	}
}

// restartAfterStall re-starts the decoder after a stall- or
// SPS-change-triggered teardown, unless the pipeline was released (or
// stopped) in the meantime and no longer has any subscribers, or a
// decoder is already running again.
func (p *Pipeline) restartAfterStall() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	stillWanted := p.refCount > 0 && !p.running
	p.mu.Unlock()
	if !stillWanted {
		return
	}
	if err := p.startDecoder(context.Background()); err != nil {
		p.log.Warn().Err(err).Msg("decoder restart after stall failed")
	}
}

func (p *Pipeline) watchStderr(r io.Reader, onResolution func(w, h int)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := resolutionPattern.FindStringSubmatch(line); m != nil {
			var w, h int
			fmt.Sscanf(m[1], "%d", &w)
			fmt.Sscanf(m[2], "%d", &h)
			if w > 0 && h > 0 {
				onResolution(w, h)
				return
			}
		}
	}
}

func (p *Pipeline) setResolution(w, h int) {
	p.mu.Lock()
	p.pendingWidth, p.pendingHeight = w, h
	p.mu.Unlock()
}

func (p *Pipeline) readFrames(r io.Reader, resolved <-chan struct{}) {
	<-resolved
	p.mu.Lock()
	w, h := p.pendingWidth, p.pendingHeight
	p.mu.Unlock()
	if w == 0 || h == 0 {
		return
	}
	frameSize := w * h * 3 / 2
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		cp := make([]byte, frameSize)
		copy(cp, buf)

		p.mu.Lock()
		p.seq++
		p.latest = &Frame{Data: cp, Width: w, Height: h, Seq: p.seq}
		p.lastFrame = time.Now()
		p.mu.Unlock()
		p.frameCond.Broadcast()
	}
}

// waitForFrame blocks until a frame newer than afterSeq is available or
// the deadline passes, falling back to whatever frame currently exists
// (even if it's not newer) once the deadline is hit, so a slow-moving
// screen doesn't manufacture a timeout error.
func (p *Pipeline) waitForFrame(ctx context.Context, afterSeq uint64, wait time.Duration) (*Frame, error) {
	deadline := time.Now().Add(wait)
	stop := make(chan struct{})
	defer close(stop)

	// A single background waker periodically nudges the condition
	// variable so the wait loop below can re-check the deadline and
	// ctx without blocking forever on Cond.Wait.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.frameCond.Broadcast()
			case <-ctx.Done():
				p.frameCond.Broadcast()
				return
			case <-stop:
				return
			}
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.latest == nil || p.latest.Seq <= afterSeq {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			if p.latest != nil {
				return p.latest, nil
			}
			return nil, ErrCaptureTimeout
		}
		p.frameCond.Wait()
	}
	return p.latest, nil
}

// CaptureJPEG encodes whichever frame is newest as JPEG (waiting up to
// the cold or warm window only when no frame has been decoded yet; it
// does not wait for a frame newer than the current one), serialized per
// device via a depth-1
// semaphore so concurrent capture requests never run ffmpeg twice at
// once.
func (p *Pipeline) CaptureJPEG(ctx context.Context, quality int, save bool) (Result, []byte, error) {
	p.mu.Lock()
	cold := p.cold
	p.cold = false
	p.mu.Unlock()

	wait := p.cfg.WarmWait
	if cold {
		wait = p.cfg.ColdWait
	}

	frame, err := p.waitForFrame(ctx, 0, wait)
	if err != nil {
		return Result{}, nil, err
	}

	select {
	case p.encodeSem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, nil, ctx.Err()
	}
	defer func() { <-p.encodeSem }()

	if quality <= 0 {
		quality = p.cfg.JPEGQuality
	}
	jpeg, err := p.encodeJPEG(ctx, frame, quality)
	if err != nil {
		return Result{}, nil, err
	}

	res := Result{
		CaptureID:  uuid.NewString(),
		CapturedAt: time.Now(),
		Serial:     p.serial,
		Width:      frame.Width,
		Height:     frame.Height,
		Bytes:      len(jpeg),
	}
	if save {
		path, err := p.saveJPEG(res.CapturedAt, res.CaptureID, jpeg)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to persist capture")
		} else {
			res.Path = path
		}
	}
	return res, jpeg, nil
}

// qualityToQScale maps a 1-100 "nicer is bigger" quality percentage onto
// ffmpeg's mjpeg qscale range (2 best .. 31 worst), linearly.
func qualityToQScale(quality int) int {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	const best, worst = 2, 31
	return worst - (quality-1)*(worst-best)/99
}

func (p *Pipeline) encodeJPEG(ctx context.Context, frame *Frame, quality int) ([]byte, error) {
	qscale := qualityToQScale(quality)
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath,
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		"-i", "pipe:0",
		"-frames:v", "1",
		"-q:v", fmt.Sprintf("%d", qscale),
		"-f", "mjpeg",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(frame.Data)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("snapshot: jpeg encode: %w", err)
	}
	return out, nil
}

// saveJPEG persists a capture at {OutputDir}/{serial}/{timestamp}_{captureID}.jpg,
// writing to a temp file in the same directory first and renaming it into
// place so a reader never observes a partially-written file.
func (p *Pipeline) saveJPEG(capturedAt time.Time, captureID string, jpeg []byte) (string, error) {
	dir := filepath.Join(p.cfg.OutputDir, p.serial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.jpg", capturedAt.UTC().Format("20060102T150405Z"), captureID)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(jpeg); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}
