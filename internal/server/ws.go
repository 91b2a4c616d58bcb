package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/stream"
)

const writeTimeout = 10 * time.Second

// wsSender writes events to one WebSocket. gorilla connections allow a
// single concurrent writer.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) SendEvent(ctx context.Context, event protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(event)
}

func (s *wsSender) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// checkOrigin allows any origin unless server.allowed_origins is set.
func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	allowed := h.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	h.logger.Warn("Rejected WebSocket origin", slog.String("origin", origin))
	return false
}

// handleWebSocket runs one dictation connection. Text messages are control
// messages; binary messages are PCM frames.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		h.metrics.RecordHTTPError(r.Method, "/ws", "upgrade_failed")
		return
	}
	defer conn.Close()

	if limit := h.config.Server.MaxMessageSize; limit > 0 {
		conn.SetReadLimit(limit)
	}

	sender := &wsSender{conn: conn}
	base := context.WithoutCancel(r.Context())

	session, ctx, err := h.streamMgr.CreateSession(base, sender, mode)
	if err != nil {
		h.logger.Warn("Rejected dictation connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("mode", mode),
			slog.String("error", err.Error()),
		)
		_ = sender.SendEvent(base, protocol.Error(err.Error()))
		code := websocket.ClosePolicyViolation
		if errors.Is(err, stream.ErrTooManySessions) {
			code = websocket.CloseTryAgainLater
		}
		sender.close(code, "")
		return
	}

	logger := h.logger.With(slog.String("session_id", session.ID))
	logger.Info("Dictation connection opened",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("mode", string(session.Mode)),
	)

	// Unblock the read loop when the session expires or the manager stops
	stop := context.AfterFunc(ctx, func() {
		sender.close(websocket.CloseGoingAway, "session ended")
		_ = conn.SetReadDeadline(time.Now())
	})

	session.Welcome(ctx)
	h.readLoop(ctx, conn, session, logger)

	stop()
	h.streamMgr.RemoveSession(base, session.ID)
}

func (h *HTTPServer) readLoop(ctx context.Context, conn *websocket.Conn, session *stream.Session, logger *slog.Logger) {
	readTimeout := h.config.Server.GetReadTimeout()

	for ctx.Err() == nil {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				logger.Info("Dictation connection ended by server")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Info("Dictation connection closed by client")
			default:
				logger.Warn("Dictation connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			session.HandleAudio(ctx, data)
		case websocket.TextMessage:
			session.HandleControl(ctx, data)
		}
	}
	logger.Info("Dictation connection ended by server")
}
