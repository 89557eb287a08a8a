package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/observability"
	"avatar-agent/internal/usecase"
)

const maxRequestBody = 64 << 10

type ChatService interface {
	Chat(ctx context.Context, in usecase.ChatInput, emit usecase.EmitFunc) (usecase.ChatOutput, error)
}

type Options struct {
	AllowedOrigins []string
	// Streaming selects NDJSON delivery for POST /chat when the request does
	// not say otherwise.
	Streaming   bool
	DebugRoutes bool
	RhubarbDir  string
	// WSIdleTimeout closes a WebSocket whose client answers neither frames
	// nor pings for this long. Zero means two minutes.
	WSIdleTimeout time.Duration
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

type Server struct {
	chat     ChatService
	opts     Options
	origins  originPolicy
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(chat ChatService, opts Options) (*Server, error) {
	if chat == nil {
		return nil, errors.New("httpapi: chat service must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WSIdleTimeout <= 0 {
		opts.WSIdleTimeout = defaultWSIdleTimeout
	}
	s := &Server{
		chat:    chat,
		opts:    opts,
		origins: newOriginPolicy(opts.AllowedOrigins),
		logger:  opts.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin.
				return true
			}
			return s.origins.allows(origin)
		},
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware(s.opts.AllowedOrigins))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "Hello World!")
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", s.opts.Metrics.Handler())

	r.Post("/chat", s.handleChat)
	r.Get("/chat/ws", s.handleChatWS)

	if s.opts.DebugRoutes {
		r.Get("/check-file", s.handleCheckFile)
		r.Get("/list-rhubarb-files", s.handleListRhubarbFiles)
	}
	return r
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
	Stream  *bool  `json:"stream,omitempty"`
}

type beatsResponse struct {
	Messages []domain.RenderedBeat `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid request body")
		return
	}
	in := usecase.ChatInput{Message: req.Message, UserID: req.UserID}

	stream := s.opts.Streaming
	if req.Stream != nil {
		stream = *req.Stream
	}
	if !stream {
		out, err := s.chat.Chat(r.Context(), in, nil)
		if err != nil {
			s.respondChatError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, beatsResponse{Messages: out.Beats})
		return
	}

	nd := newNDJSONWriter(w)
	if _, err := s.chat.Chat(r.Context(), in, nd.writeBeat); err != nil {
		if !nd.started {
			s.respondChatError(w, err)
			return
		}
		// Beats already on the wire cannot be retracted; the stream just ends.
		s.logger.Warn("chat stream ended early", "beats_sent", nd.sent, "err", err)
	}
}

func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, string(usecase.ErrorInternal)
	var ue *usecase.Error
	if errors.As(err, &ue) {
		code = string(ue.Code)
		if ue.Code == usecase.ErrorInvalidInput {
			status = http.StatusBadRequest
		}
	}
	respondError(w, status, code, publicMessage(status))
}

func publicMessage(status int) string {
	if status == http.StatusBadRequest {
		return "invalid chat request"
	}
	return "failed to generate reply"
}

// ndjsonWriter sends one {"messages":[beat]} line per beat and flushes it
// immediately so clients can play a beat while the next one renders.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	sent    int
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	f, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, flusher: f}
}

func (n *ndjsonWriter) writeBeat(beat domain.RenderedBeat) error {
	line, err := sonic.Marshal(beatsResponse{Messages: []domain.RenderedBeat{beat}})
	if err != nil {
		return fmt.Errorf("httpapi: encode beat: %w", err)
	}
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.Header().Set("Cache-Control", "no-cache")
		n.w.Header().Set("X-Content-Type-Options", "nosniff")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	if _, err := n.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("httpapi: write beat: %w", err)
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	n.sent++
	return nil
}

func decodeChatRequest(body io.Reader) (chatRequest, error) {
	var req chatRequest
	if body == nil {
		return req, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxRequestBody+1))
	if err != nil {
		return req, err
	}
	if len(raw) > maxRequestBody {
		return req, errors.New("request body too large")
	}
	if strings.TrimSpace(string(raw)) == "" {
		return req, nil
	}
	if err := sonic.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	return req, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// Serve runs the router on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}
