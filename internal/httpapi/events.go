package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/logger"
	"github.com/tphakala/stockvision/internal/notification"
)

// sseWriteTimeout bounds a single SSE write to a slow client.
const sseWriteTimeout = 10 * time.Second

// streamEvents forwards workflow events to the client as server-sent events
// until it disconnects. A client that falls a full buffer behind is dropped
// by the broadcaster and its stream ends.
func (s *Server) streamEvents(c echo.Context) error {
	sub := notification.NewChannelSubscriber("sse", 0)
	s.deps.Events.Subscribe(sub)
	defer func() {
		s.deps.Events.Unsubscribe(sub.ID())
		sub.Close()
	}()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	log := s.log.With(logger.String("subscriber_id", sub.ID()), logger.String("ip", c.RealIP()))
	log.Debug("event stream client connected")
	defer log.Debug("event stream client disconnected")

	if err := s.sendSSE(c, "connected", map[string]string{"subscriberId": sub.ID()}); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := s.sendSSE(c, string(ev.Type), ev); err != nil {
				log.Debug("event stream write failed", logger.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := s.sendSSE(c, "heartbeat", map[string]string{"timestamp": time.Now().Format(time.RFC3339)}); err != nil {
				return nil
			}
		case <-sub.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) sendSSE(c echo.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}
	rc := http.NewResponseController(c.Response().Writer)
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	c.Response().Flush()
	return nil
}
