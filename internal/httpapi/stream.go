package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 5 * time.Second
	streamDepth  = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleStream upgrades the request and pushes monitor triples until the
// client disconnects. ?view=spectrum sends spectra instead of samples.
// Messages beyond the stream rate are skipped, never queued.
func (s *Server) handleStream(c echo.Context) error {
	view := c.QueryParam("view")
	switch view {
	case "", "frame":
		view = "frame"
	case "spectrum":
		if s.analyzer == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "spectrum analyzer is not configured")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown view %q", view))
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveConn(conn, view)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, view string) {
	defer conn.Close()

	sub := s.port.Subscribe(streamDepth)
	defer sub.Close()

	// The client never sends anything meaningful; reading detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(1 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lim := rate.NewLimiter(s.streamRate, 1)
	log := s.log.With("remote", conn.RemoteAddr().String(), "view", view)
	log.Debug("stream client connected")
	defer log.Debug("stream client disconnected")

	for {
		select {
		case <-gone:
			return
		case t := <-sub.C():
			if !lim.Allow() {
				continue
			}
			var msg any
			if view == "spectrum" {
				sp, err := s.spectra(t)
				if err != nil {
					log.Warn("compute spectra", "seq", t.Seq, "err", err)
					continue
				}
				msg = sp
			} else {
				msg = newFrameResponse(t)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
