package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seekerhq/crawld/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth makes the origin check redundant; tokens are
	// single-use and short-lived.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamLogsHandler upgrades to a websocket and streams the job's log
// records: replay from the resume cursor first, then live batches.
//
// Auth is a single-use token from StreamTokenHandler, passed as the
// token query parameter (browsers cannot set websocket headers).
// Invalid or mismatched tokens close with policy violation (1008).
func (s *Server) StreamLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, r, domain.E("stream", domain.ErrInvalidArgument, "token query parameter required"), nil)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}

		boundJob, err := s.Tokens.Consume(r.Context(), token)
		if err != nil || boundJob != jobID {
			closeWith(conn, websocket.ClosePolicyViolation, "invalid or expired token")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		batches, err := s.Streamer.Stream(ctx, jobID, r.URL.Query().Get("resume_after"))
		if err != nil {
			LoggerFrom(r).Error("log stream start failed", slog.String("job_id", jobID), slog.Any("error", err))
			closeWith(conn, websocket.CloseInternalServerErr, "stream unavailable")
			return
		}

		// Read pump: drain control frames and cancel on client close.
		go func() {
			defer cancel()
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		defer func() { _ = conn.Close() }()

		for {
			select {
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case batch, open := <-batches:
				if !open {
					closeWith(conn, websocket.CloseNormalClosure, "stream ended")
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(batch); err != nil {
					if !errors.Is(err, websocket.ErrCloseSent) {
						LoggerFrom(r).Info("log stream client gone", slog.String("job_id", jobID))
					}
					return
				}
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
