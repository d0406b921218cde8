// Package registry owns one session per device: the capture worker, its
// broadcast hub, and its snapshot pipeline, created on first use and
// reaped after both stream and capture clients have been gone long
// enough.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"screencore/internal/bridge"
	"screencore/internal/broadcast"
	"screencore/internal/capture"
	"screencore/internal/h264"
	"screencore/internal/snapshot"
)

// SessionMetrics is the per-device snapshot exposed over GET /api/sessions.
type SessionMetrics struct {
	Serial         string `json:"serial"`
	StreamClients  int    `json:"stream_clients"`
	CaptureClients int    `json:"capture_clients"`
	Subscribers    int    `json:"broadcast_subscribers"`
}

type session struct {
	serial   string
	worker   *capture.Worker
	hub      *broadcast.Hub
	pipeline *snapshot.Pipeline

	mu             sync.Mutex
	streamClients  int
	captureClients int
	idleTimer      *time.Timer
}

// Registry is the process-wide Session Registry.
type Registry struct {
	driver       bridge.Driver
	captureCfg   capture.Config
	gopCapBytes  int
	queueDepth   int
	snapshotCfg  snapshot.Config
	idleLinger   time.Duration
	log          zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs an empty Registry.
func New(driver bridge.Driver, captureCfg capture.Config, gopCapBytes, queueDepth int, snapshotCfg snapshot.Config, idleLinger time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		driver:      driver,
		captureCfg:  captureCfg,
		gopCapBytes: gopCapBytes,
		queueDepth:  queueDepth,
		snapshotCfg: snapshotCfg,
		idleLinger:  idleLinger,
		log:         log,
		sessions:    make(map[string]*session),
	}
}

func (r *Registry) getOrCreate(serial string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[serial]; ok {
		return s
	}

	hub := broadcast.New(r.queueDepth, r.log)
	pipeline := snapshot.New(serial, r.snapshotCfg, r.log)
	s := &session{serial: serial, hub: hub, pipeline: pipeline}
	s.worker = capture.New(serial, r.driver, r.captureCfg, r.gopCapBytes, func(serial string, u h264.Unit) {
		hub.Publish(u)
		pipeline.Feed(u)
	}, r.log)

	r.sessions[serial] = s
	return s
}

// AttachStream registers a new /stream/{serial} subscriber, starting (or
// restarting) the capture worker as needed, and returns the subscriber
// plus a detach function the caller must invoke exactly once when the
// connection ends.
func (r *Registry) AttachStream(ctx context.Context, serial string) (*broadcast.Subscriber, func(), error) {
	s := r.getOrCreate(serial)
	if err := s.worker.Attach(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.streamClients++
	r.cancelIdleLocked(s)
	s.mu.Unlock()

	subID := subscriberID(serial, "stream")
	sub := s.hub.Subscribe(subID, s.worker.GopSnapshot())

	detach := func() {
		s.hub.Unsubscribe(subID)
		s.worker.Detach()
		s.mu.Lock()
		if s.streamClients > 0 {
			s.streamClients--
		}
		r.maybeScheduleIdleLocked(s)
		s.mu.Unlock()
	}
	return sub, detach, nil
}

// AttachCapture registers a new /snapshot/{serial} subscriber. It starts
// the capture worker and the decode pipeline, returning the pipeline
// plus a detach function.
func (r *Registry) AttachCapture(ctx context.Context, serial string) (*snapshot.Pipeline, func(), error) {
	s := r.getOrCreate(serial)
	if err := s.worker.Attach(ctx); err != nil {
		return nil, nil, err
	}
	startedFresh, err := s.pipeline.Acquire(ctx)
	if err != nil {
		s.worker.Detach()
		return nil, nil, err
	}
	if startedFresh {
		for _, u := range s.worker.GopSnapshot() {
			s.pipeline.Feed(u)
		}
	}

	s.mu.Lock()
	s.captureClients++
	r.cancelIdleLocked(s)
	s.mu.Unlock()

	detach := func() {
		s.pipeline.Release()
		s.worker.Detach()
		s.mu.Lock()
		if s.captureClients > 0 {
			s.captureClients--
		}
		r.maybeScheduleIdleLocked(s)
		s.mu.Unlock()
	}
	return s.pipeline, detach, nil
}

// UpdateConfig swaps the capture config for an existing device's
// session, restarting its worker under the new config per the
// update_config contract. It is a no-op if no session exists yet for
// serial — get_or_create_worker always uses the registry-wide config
// for a brand new session; this is the only way to change a running
// one's.
func (r *Registry) UpdateConfig(ctx context.Context, serial string, cfg capture.Config) error {
	r.mu.RLock()
	s, ok := r.sessions[serial]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.worker.UpdateConfig(ctx, cfg)
}

// Stop tears down one device's session immediately — its capture
// worker, its snapshot pipeline, and its broadcast hub — regardless of
// outstanding subscriber refcounts, and removes it from the registry.
func (r *Registry) Stop(ctx context.Context, serial string) error {
	r.mu.Lock()
	s, ok := r.sessions[serial]
	if ok {
		delete(r.sessions, serial)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	var result error
	if err := s.worker.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("serial %s: stop worker: %w", serial, err))
	}
	if err := s.pipeline.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("serial %s: stop pipeline: %w", serial, err))
	}
	s.hub.CloseAll()
	return result
}

func (r *Registry) cancelIdleLocked(s *session) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (r *Registry) maybeScheduleIdleLocked(s *session) {
	if s.streamClients > 0 || s.captureClients > 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(r.idleLinger, func() { r.reap(s.serial) })
}

func (r *Registry) reap(serial string) {
	r.mu.Lock()
	s, ok := r.sessions[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	idle := s.streamClients == 0 && s.captureClients == 0
	s.mu.Unlock()
	if idle {
		delete(r.sessions, serial)
	}
	r.mu.Unlock()
	if idle {
		s.hub.CloseAll()
	}
}

// Metrics returns a SessionMetrics snapshot for every currently known
// device.
func (r *Registry) Metrics() []SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionMetrics, 0, len(r.sessions))
	for serial, s := range r.sessions {
		s.mu.Lock()
		out = append(out, SessionMetrics{
			Serial:         serial,
			StreamClients:  s.streamClients,
			CaptureClients: s.captureClients,
			Subscribers:    s.hub.SubscriberCount(),
		})
		s.mu.Unlock()
	}
	return out
}

// StopAll tears down every session, bounded by deadline: each session's
// capture worker and snapshot pipeline are stopped (killing their
// subprocesses and removing the device port-forward), then its
// broadcast hub is closed. Per-session errors are collected into one
// combined error.
func (r *Registry) StopAll(deadline time.Duration) error {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var resultMu sync.Mutex
	var result error
	addErr := func(err error) {
		resultMu.Lock()
		result = multierror.Append(result, err)
		resultMu.Unlock()
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := s.worker.Stop(deadlineCtx); err != nil {
				addErr(fmt.Errorf("serial %s: stop worker: %w", s.serial, err))
			}
			if err := s.pipeline.Stop(deadlineCtx); err != nil {
				addErr(fmt.Errorf("serial %s: stop pipeline: %w", s.serial, err))
			}
			s.hub.CloseAll()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadlineCtx.Done():
		addErr(context.DeadlineExceeded)
	}
	return result
}
