// Package config loads runtime settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the process-wide runtime configuration.
type Settings struct {
	HTTPListenAddr   string
	ADBServerAddr    string
	CORSAllowOrigins []string
	LogLevel         string

	EncoderAgentPath string
	CaptureOutputDir string

	CaptureJPEGQualityDefault int
	StreamIdleTimeout         time.Duration
	GopCapBytes               int
	SubscriberQueueDepth      int
	DecoderStallTimeout       time.Duration
	DecoderShutdownGrace      time.Duration
	ShutdownDeadline          time.Duration

	MDNSServiceName string
	MDNSEnabled     bool
}

// Load reads Settings from the environment, applying the same defaults
// the service ships with out of the box.
func Load() (Settings, error) {
	s := Settings{
		HTTPListenAddr:            getenv("HTTP_LISTEN_ADDR", ":8079"),
		ADBServerAddr:             getenv("ADB_SERVER_ADDR", "127.0.0.1:5037"),
		CORSAllowOrigins:          splitCSV(getenv("CORS_ALLOW_ORIGINS", "*")),
		LogLevel:                  getenv("LOG_LEVEL", "info"),
		EncoderAgentPath:          getenv("ENCODER_AGENT_PATH", "/data/local/tmp/scrcpy-server"),
		CaptureOutputDir:          getenv("CAPTURE_OUTPUT_DIR", "./captures"),
		CaptureJPEGQualityDefault: 80,
		StreamIdleTimeout:         30 * time.Second,
		GopCapBytes:               8 * 1024 * 1024,
		SubscriberQueueDepth:      64,
		DecoderStallTimeout:       5 * time.Second,
		DecoderShutdownGrace:      500 * time.Millisecond,
		ShutdownDeadline:          10 * time.Second,
		MDNSServiceName:           getenv("MDNS_SERVICE_NAME", "screencore"),
		MDNSEnabled:               true,
	}

	var err error
	if s.CaptureJPEGQualityDefault, err = getenvInt("CAPTURE_JPEG_QUALITY_DEFAULT", s.CaptureJPEGQualityDefault); err != nil {
		return s, err
	}
	if s.StreamIdleTimeout, err = getenvSeconds("STREAM_IDLE_TIMEOUT_SECONDS", s.StreamIdleTimeout); err != nil {
		return s, err
	}
	if s.GopCapBytes, err = getenvInt("GOP_CAP_BYTES", s.GopCapBytes); err != nil {
		return s, err
	}
	if s.SubscriberQueueDepth, err = getenvInt("SUBSCRIBER_QUEUE_DEPTH", s.SubscriberQueueDepth); err != nil {
		return s, err
	}
	if s.DecoderStallTimeout, err = getenvMillis("DECODER_STALL_MS", s.DecoderStallTimeout); err != nil {
		return s, err
	}
	if s.DecoderShutdownGrace, err = getenvMillis("DECODER_SHUTDOWN_GRACE_MS", s.DecoderShutdownGrace); err != nil {
		return s, err
	}
	if s.ShutdownDeadline, err = getenvSeconds("SHUTDOWN_DEADLINE_SECONDS", s.ShutdownDeadline); err != nil {
		return s, err
	}
	if v := os.Getenv("MDNS_ENABLED"); v != "" {
		s.MDNSEnabled = v != "0" && strings.ToLower(v) != "false"
	}

	return s, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getenvInt(key, -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return fallback, nil
	}
	return time.Duration(n) * time.Second, nil
}

func getenvMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getenvInt(key, -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return fallback, nil
	}
	return time.Duration(n) * time.Millisecond, nil
}
