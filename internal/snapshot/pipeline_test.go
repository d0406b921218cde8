package snapshot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"screencore/internal/h264"
)

type fakeWriteCloser struct {
	closed bool
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeWriteCloser) Close() error                { f.closed = true; return nil }

func TestQualityToQScale(t *testing.T) {
	cases := []struct {
		quality int
		want    int
	}{
		{quality: 0, want: 31},   // clamps to 1
		{quality: 1, want: 31},   // worst
		{quality: 100, want: 2},  // best
		{quality: 101, want: 2},  // clamps to 100
		{quality: 50, want: 17},
	}
	for _, c := range cases {
		require.Equal(t, c.want, qualityToQScale(c.quality), "quality=%d", c.quality)
	}
}

func TestPipeline_WaitForFrameReturnsImmediatelyWhenNewerFrameExists(t *testing.T) {
	p := New("serial-1", DefaultConfig(), zerolog.Nop())
	p.latest = &Frame{Seq: 5, Width: 100, Height: 200}
	p.seq = 5

	frame, err := p.waitForFrame(context.Background(), 4, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, uint64(5), frame.Seq)
}

func TestPipeline_WaitForFrameFallsBackToCurrentFrameOnDeadline(t *testing.T) {
	p := New("serial-2", DefaultConfig(), zerolog.Nop())
	p.latest = &Frame{Seq: 2, Width: 10, Height: 10}
	p.seq = 2

	start := time.Now()
	frame, err := p.waitForFrame(context.Background(), 2, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, uint64(2), frame.Seq)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPipeline_WaitForFrameTimesOutWithNoFrame(t *testing.T) {
	p := New("serial-3", DefaultConfig(), zerolog.Nop())

	_, err := p.waitForFrame(context.Background(), 0, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestPipeline_WaitForFrameRespectsNewerFrameArrivingMidWait(t *testing.T) {
	p := New("serial-4", DefaultConfig(), zerolog.Nop())
	p.latest = &Frame{Seq: 1}
	p.seq = 1

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.mu.Lock()
		p.seq = 2
		p.latest = &Frame{Seq: 2, Width: 4, Height: 4}
		p.mu.Unlock()
		p.frameCond.Broadcast()
	}()

	frame, err := p.waitForFrame(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(2), frame.Seq)
}

func TestPipeline_FeedRestartsDecoderOnSPSChange(t *testing.T) {
	p := New("serial-5", DefaultConfig(), zerolog.Nop())

	cancelled := false
	p.running = true
	p.lastSPS = []byte{0x01, 0x02}
	p.cancel = func() { cancelled = true }

	p.Feed(h264.Unit{Kind: h264.KindSPS, Data: []byte{0x03, 0x04}})

	require.True(t, cancelled)
}

func TestPipeline_FeedIgnoresUnchangedSPS(t *testing.T) {
	p := New("serial-6", DefaultConfig(), zerolog.Nop())

	cancelled := false
	p.running = true
	p.lastSPS = []byte{0x01, 0x02}
	p.cancel = func() { cancelled = true }

	p.Feed(h264.Unit{Kind: h264.KindSPS, Data: []byte{0x01, 0x02}})

	require.False(t, cancelled)
}

func TestPipeline_AcquireReleaseTracksRefcountWithoutStartingWhenAlreadyRunning(t *testing.T) {
	p := New("serial-7", DefaultConfig(), zerolog.Nop())
	p.running = true // simulate an already-running decoder

	startedFresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, startedFresh)
	require.Equal(t, 1, p.refCount)
	require.False(t, p.cold) // startingNow was false, cold flag untouched

	p.Release()
	require.Equal(t, 0, p.refCount)
}

func TestPipeline_StopDecoderClosesStdinAndWaitsWithinGrace(t *testing.T) {
	p := New("serial-8", DefaultConfig(), zerolog.Nop())
	stdin := &fakeWriteCloser{}
	done := make(chan struct{})
	var cancelled bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}()

	p.stopDecoder(stdin, func() { cancelled = true }, done, 200*time.Millisecond)

	require.True(t, stdin.closed)
	require.False(t, cancelled)
}

func TestPipeline_StopDecoderEscalatesToCancelAfterGraceExpires(t *testing.T) {
	p := New("serial-9", DefaultConfig(), zerolog.Nop())
	stdin := &fakeWriteCloser{}
	done := make(chan struct{})
	var cancelled bool
	cancel := func() {
		cancelled = true
		close(done)
	}

	start := time.Now()
	p.stopDecoder(stdin, cancel, done, 20*time.Millisecond)

	require.True(t, stdin.closed)
	require.True(t, cancelled)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPipeline_StallMonitorCancelsDecoderAfterNoFrames(t *testing.T) {
	p := New("serial-10", DefaultConfig(), zerolog.Nop())
	p.cfg.DecoderStall = 30 * time.Millisecond
	stopped := make(chan struct{})
	var cancelled int32

	p.mu.Lock()
	p.running = true
	p.decoderStarted = time.Now()
	p.refCount = 0 // no subscribers left, so restartAfterStall should be a no-op
	p.cancel = func() {
		atomic.StoreInt32(&cancelled, 1)
		close(stopped)
	}
	p.mu.Unlock()

	p.stallMonitor(stopped)

	require.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestPipeline_StallMonitorLeavesHealthyDecoderRunning(t *testing.T) {
	p := New("serial-11", DefaultConfig(), zerolog.Nop())
	p.cfg.DecoderStall = 200 * time.Millisecond
	stopped := make(chan struct{})
	var cancelled int32

	p.mu.Lock()
	p.running = true
	p.decoderStarted = time.Now()
	p.cancel = func() { atomic.StoreInt32(&cancelled, 1) }
	p.mu.Unlock()

	// Simulate frames continuing to arrive so the decoder never looks
	// stalled, then stop the monitor before it would time out on its own.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 4; i++ {
			<-ticker.C
			p.mu.Lock()
			p.lastFrame = time.Now()
			p.mu.Unlock()
		}
		close(stopped)
	}()

	p.stallMonitor(stopped)

	require.Equal(t, int32(0), atomic.LoadInt32(&cancelled))
}
