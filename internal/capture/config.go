// Package capture drives one encoder agent process per device and
// re-frames its output into H.264 units for the broadcast hub and
// snapshot pipeline to consume.
package capture

import (
	"fmt"
	"time"
)

// Config mirrors the stream configuration presets the capture worker
// accepts, matching the original service's StreamConfig dataclass, plus
// the two host-side settings (agent binary location, idle grace) that
// sit alongside it rather than in the on-device arg list.
type Config struct {
	VideoCodec string
	MaxWidth   int
	MaxHeight  int
	MaxFPS     int
	BitrateBps int

	// EncoderAgentPath is the local path to the encoder agent jar pushed
	// to the device before it's spawned.
	EncoderAgentPath string

	// IdleStopGrace is how long a worker with no subscribers stays up
	// before it's stopped, so a quick reconnect doesn't pay the
	// encoder-agent startup cost again.
	IdleStopGrace time.Duration
}

// Validate rejects a Config that the encoder agent could not act on.
func (c Config) Validate() error {
	if c.VideoCodec != "h264" {
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.VideoCodec)
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		return fmt.Errorf("capture: invalid resolution %dx%d", c.MaxWidth, c.MaxHeight)
	}
	if c.MaxFPS <= 0 {
		return fmt.Errorf("capture: invalid fps %d", c.MaxFPS)
	}
	if c.BitrateBps <= 0 {
		return fmt.Errorf("capture: invalid bitrate %d", c.BitrateBps)
	}
	return nil
}

// LowBandwidth favors connection stability over fidelity.
func LowBandwidth() Config {
	return Config{VideoCodec: "h264", MaxWidth: 1280, MaxHeight: 720, MaxFPS: 15, BitrateBps: 1_000_000, IdleStopGrace: 5 * time.Second}
}

// Balanced is the process-wide default used when a client doesn't
// specify a preset.
func Balanced() Config {
	return Config{VideoCodec: "h264", MaxWidth: 1920, MaxHeight: 1080, MaxFPS: 30, BitrateBps: 4_000_000, IdleStopGrace: 5 * time.Second}
}

// Default mirrors the legacy preset the original encoder agent shipped
// with before presets existed.
func Default() Config {
	return Config{VideoCodec: "h264", MaxWidth: 1280, MaxHeight: 720, MaxFPS: 30, BitrateBps: 2_000_000, IdleStopGrace: 5 * time.Second}
}

// HighQuality favors fidelity over bandwidth.
func HighQuality() Config {
	return Config{VideoCodec: "h264", MaxWidth: 1920, MaxHeight: 1080, MaxFPS: 60, BitrateBps: 8_000_000, IdleStopGrace: 5 * time.Second}
}

// ToAgentArgs renders the config as the key=value argument list the
// on-device encoder agent expects.
func (c Config) ToAgentArgs() []string {
	return []string{
		fmt.Sprintf("max_size=%d", max(c.MaxWidth, c.MaxHeight)),
		fmt.Sprintf("max_fps=%d", c.MaxFPS),
		fmt.Sprintf("video_bit_rate=%d", c.BitrateBps),
		fmt.Sprintf("video_codec=%s", c.VideoCodec),
	}
}
