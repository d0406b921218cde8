package wsapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// annexBStartCode is prepended to every unit written to the wire: H264Unit
// payloads are carried internally without it (the broadcast hub forwards
// them byte-for-byte), but each binary stream message must itself be a
// complete Annex-B-framed NAL unit.
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// handleStream serves GET /stream/{serial}: a binary WebSocket carrying
// raw Annex-B H.264 units, one message per unit, prefilled with a GOP on
// connect if one is cached.
func (r *Router) handleStream(c *gin.Context) {
	serial := c.Param("serial")

	if _, ok := r.tracker.Get(serial); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	sub, detach, err := r.registry.AttachStream(ctx, serial)
	if err != nil {
		r.log.Error().Err(errors.Wrap(err, "attach stream")).Str("serial", serial).Msg("stream attach failed")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, "server not ready"))
		return
	}
	defer detach()

	r.log.Info().Str("serial", serial).Msg("stream websocket attached")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case u, ok := <-sub.Units():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(1000, "stream ended"))
				return
			}
			frame := make([]byte, 0, len(annexBStartCode)+len(u.Data))
			frame = append(frame, annexBStartCode...)
			frame = append(frame, u.Data...)
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
