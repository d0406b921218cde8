package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"screencore/internal/bridge"
	"screencore/internal/snapshot"
)

// Wire error codes for the /snapshot/{serial} control protocol. This is
// the complete set; every error path maps onto one of these four.
const (
	codeCaptureTimeout = "capture_timeout"
	codeNoFrame        = "no_frame"
	codeDeviceOffline  = "device_offline"
	codeInternalError  = "internal_error"
)

var snapshotUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type captureRequest struct {
	Type    string `json:"type"`
	Format  string `json:"format"`
	Quality int    `json:"quality"`
	Save    bool   `json:"save"`
}

type captureResultMessage struct {
	Type       string `json:"type"`
	CaptureID  string `json:"capture_id"`
	CapturedAt string `json:"captured_at"`
	Serial     string `json:"serial"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bytes      int     `json:"bytes"`
	Path       *string `json:"path"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleSnapshot serves GET /snapshot/{serial}: a JSON control protocol
// where each {"type":"capture"} request gets a JSON result message
// immediately followed by the binary JPEG payload.
func (r *Router) handleSnapshot(c *gin.Context) {
	serial := c.Param("serial")

	if _, ok := r.tracker.Get(serial); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	conn, err := snapshotUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	pipeline, detach, err := r.registry.AttachCapture(ctx, serial)
	if err != nil {
		r.log.Error().Err(errors.Wrap(err, "attach capture")).Str("serial", serial).Msg("capture attach failed")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, "server not ready"))
		return
	}
	defer detach()

	r.log.Info().Str("serial", serial).Msg("snapshot websocket attached")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req captureRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeJSON(conn, errorMessage{Type: "error", Code: codeInternalError, Message: "invalid JSON"})
			continue
		}

		switch req.Type {
		case "capture":
			r.handleCaptureRequest(ctx, conn, pipeline, serial, req)
		default:
			writeJSON(conn, errorMessage{Type: "error", Code: codeInternalError, Message: "unknown message type"})
		}
	}
}

func (r *Router) handleCaptureRequest(ctx context.Context, conn *websocket.Conn, pipeline *snapshot.Pipeline, serial string, req captureRequest) {
	format := req.Format
	if format == "" {
		format = "jpeg"
	}
	if format != "jpeg" {
		writeJSON(conn, errorMessage{Type: "error", Code: codeInternalError, Message: snapshot.ErrUnsupportedFormat.Error()})
		return
	}

	result, jpeg, err := pipeline.CaptureJPEG(ctx, req.Quality, req.Save)
	if err != nil {
		writeJSON(conn, errorMessage{Type: "error", Code: r.captureErrorCode(ctx, serial, err), Message: err.Error()})
		return
	}

	var path *string
	if result.Path != "" {
		path = &result.Path
	}
	writeJSON(conn, captureResultMessage{
		Type:       "capture_result",
		CaptureID:  result.CaptureID,
		CapturedAt: result.CapturedAt.Format(time.RFC3339Nano),
		Serial:     serial,
		Width:      result.Width,
		Height:     result.Height,
		Bytes:      result.Bytes,
		Path:       path,
	})
	_ = conn.WriteMessage(websocket.BinaryMessage, jpeg)
}

// captureErrorCode maps a capture failure onto the wire's fixed error
// code set. Device state is checked first since a dead decoder and a
// disconnected device look the same to the pipeline (no frame ever
// arrives) but mean different things to a client.
func (r *Router) captureErrorCode(ctx context.Context, serial string, err error) string {
	if dev, ok := r.tracker.Get(serial); !ok || dev.State != bridge.StateDevice {
		return codeDeviceOffline
	}
	if ctx.Err() != nil {
		return codeCaptureTimeout
	}
	if err == snapshot.ErrCaptureTimeout {
		return codeNoFrame
	}
	return codeInternalError
}

func writeJSON(conn *websocket.Conn, v any) {
	_ = conn.WriteJSON(v)
}
