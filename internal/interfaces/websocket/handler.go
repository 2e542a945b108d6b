package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second

	// Inbound frames are chat requests, not documents.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TurnRunner runs chat turns. The orchestrator implements it.
type TurnRunner interface {
	ExecuteTurn(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, <-chan entity.ChatEvent, error)
}

// Handler upgrades GET /chat/ws connections and speaks the chat protocol
// over them: every inbound text frame is one chat request, every chat event
// goes out as one JSON text frame with the same schema the SSE stream uses.
type Handler struct {
	turns  TurnRunner
	logger *zap.Logger
}

func NewHandler(turns TurnRunner, logger *zap.Logger) *Handler {
	return &Handler{
		turns:  turns,
		logger: logger.With(zap.String("handler", "websocket")),
	}
}

// chatFrame is one inbound request frame.
type chatFrame struct {
	Prompt         string `json:"prompt"`
	Deployment     string `json:"deployment,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
}

// session is one upgraded connection. Turns run one at a time in the read
// loop; writePump is the single writer the protocol requires.
type session struct {
	conn   *websocket.Conn
	send   chan []byte
	dead   chan struct{}
	cancel context.CancelFunc
	turns  TurnRunner
	logger *zap.Logger

	userID string
	convID string // sticky conversation for frames that omit one
}

// ServeWS upgrades the connection and serves it until either side closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.RemoteAddr
	}

	// The request context dies when this handler returns, so turns run
	// under a context tied to the connection instead.
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		conn:   conn,
		send:   make(chan []byte, 256),
		dead:   make(chan struct{}),
		cancel: cancel,
		turns:  h.turns,
		logger: h.logger,
		userID: userID,
		convID: r.URL.Query().Get("conversation_id"),
	}

	go s.writePump()
	go s.readPump(ctx)
}

func (s *session) readPump(ctx context.Context) {
	defer func() {
		s.cancel()
		close(s.send)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame chatFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendEvent(entity.ErrorEvent("invalid request frame"))
			continue
		}
		s.runTurn(ctx, frame)
	}
}

// runTurn executes one chat request and forwards its events. Failures go
// back as error frames; the connection survives them.
func (s *session) runTurn(ctx context.Context, frame chatFrame) {
	convID := frame.ConversationID
	if convID == "" {
		convID = s.convID
	}

	result, events, err := s.turns.ExecuteTurn(ctx, &service.TurnRequest{
		ConversationID: convID,
		UserID:         s.userID,
		Prompt:         frame.Prompt,
		Model:          frame.Deployment,
		SystemPrompt:   frame.SystemPrompt,
	})
	if err != nil {
		s.sendEvent(entity.ErrorEvent(apperrors.SafeMessage(err)))
		return
	}

	// The socket stays on the conversation the first turn created.
	s.convID = result.ConversationID

	for ev := range events {
		if !s.sendEvent(ev) {
			// Writer is gone: drain so the producer can finish.
			for range events {
			}
			return
		}
	}
}

func (s *session) sendEvent(ev entity.ChatEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	select {
	case s.send <- data:
		return true
	case <-s.dead:
		return false
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cancel()
		close(s.dead)
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
