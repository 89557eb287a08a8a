package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/usecase"
)

const (
	wsWriteTimeout       = 10 * time.Second
	defaultWSIdleTimeout = 120 * time.Second
)

type wsDone struct {
	Done   bool   `json:"done"`
	TurnID string `json:"turnId,omitempty"`
}

// handleChatWS runs one chat turn per inbound text frame. Turns on a
// connection are handled one after another, so beats of different turns
// never interleave.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	idle := s.opts.WSIdleTimeout
	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	stop := make(chan struct{})
	defer close(stop)
	go keepAlive(conn, idle*9/10, stop)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !s.serveFrame(r.Context(), conn, data) {
			return
		}
		// A turn can outlast the idle window while nothing is read; the
		// clock restarts once the reply is out.
		_ = conn.SetReadDeadline(time.Now().Add(idle))
	}
}

// serveFrame runs the turn for one request frame. It returns false once the
// connection can no longer be written.
func (s *Server) serveFrame(ctx context.Context, conn *websocket.Conn, data []byte) bool {
	var req chatRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return writeFrame(conn, errorResponse{Error: "invalid chat request", Code: string(usecase.ErrorInvalidInput)}) == nil
	}

	emit := func(beat domain.RenderedBeat) error {
		return writeFrame(conn, beatsResponse{Messages: []domain.RenderedBeat{beat}})
	}
	out, err := s.chat.Chat(ctx, usecase.ChatInput{Message: req.Message, UserID: req.UserID}, emit)
	if err == nil {
		return writeFrame(conn, wsDone{Done: true, TurnID: out.TurnID}) == nil
	}

	var ue *usecase.Error
	if errors.As(err, &ue) && ue.Code == usecase.ErrorStream {
		// The socket is gone; nothing else can be written.
		return false
	}
	status := http.StatusInternalServerError
	code := string(usecase.ErrorInternal)
	if ue != nil {
		code = string(ue.Code)
		if ue.Code == usecase.ErrorInvalidInput {
			status = http.StatusBadRequest
		}
	}
	return writeFrame(conn, errorResponse{Error: publicMessage(status), Code: code}) == nil
}

// keepAlive pings the client until stop is closed so idle browser tabs keep
// answering with pongs. WriteControl may run alongside the frame writer.
func keepAlive(conn *websocket.Conn, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	body, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("httpapi: encode frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("httpapi: write frame: %w", err)
	}
	return nil
}
