package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFrames sends the camera's processed frames as binary websocket
// messages in the stream wire format. The camera's result stream has a
// single consumer, so a second client gets 409.
func (s *Server) streamFrames(c echo.Context) error {
	id := c.Param("id")
	results, release, err := s.deps.Cameras.Subscribe(id)
	if err != nil {
		return s.handleError(c, err, "cannot stream camera", 0)
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Debug("websocket upgrade failed", logger.String("camera_id", id), logger.Error(err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	log := s.log.With(logger.String("camera_id", id), logger.String("ip", c.RealIP()))
	log.Debug("frame stream client connected")
	defer log.Debug("frame stream client disconnected")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case r, ok := <-results:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera stopped"),
					time.Now().Add(wsWriteWait))
				return nil
			}
			msg, err := stream.Marshal(stream.FromResult(r))
			if err != nil {
				log.Warn("failed to encode frame", logger.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// readUntilClosed drains client messages so control frames are handled and
// calls cancel once the connection is gone.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
