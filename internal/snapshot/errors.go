package snapshot

import "errors"

var (
	ErrCaptureTimeout   = errors.New("snapshot: timed out waiting for a decoded frame")
	ErrUnsupportedFormat = errors.New("snapshot: unsupported capture format")
)
