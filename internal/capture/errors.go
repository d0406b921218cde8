package capture

import "errors"

var (
	ErrUnsupportedCodec = errors.New("capture: unsupported codec")
	ErrNotRunning       = errors.New("capture: worker is not running")
	ErrStartTimeout     = errors.New("capture: timed out waiting for encoder agent to connect")
)
