package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBuffer = 32
	writeWait   = 5 * time.Second

	// backlogSize is how many recent events are scanned for the agent on connect
	backlogSize = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		logger:   logger,
	}
}

// HandleAgentStream streams the workflow events of one agent until the
// client disconnects.
func (h *Handler) HandleAgentStream(c *gin.Context) {
	agentID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("agent_id", agentID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan domain.Event, eventBuffer)
	err = h.eventBus.Subscribe(ctx, domain.TopicWorkflow, func(_ context.Context, event domain.Event) error {
		if event.AgentID != agentID {
			return nil
		}
		select {
		case events <- event:
		default:
			h.logger.Warn("dropping event for slow client",
				zap.String("agent_id", agentID),
				zap.String("type", string(event.Type)))
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe", zap.Error(err))
		return
	}

	sent, err := h.sendBacklog(ctx, conn, agentID)
	if err != nil {
		h.logger.Warn("failed to send event backlog", zap.Error(err))
		return
	}

	// Reader goroutine notices client close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket connection closed", zap.String("agent_id", agentID))
			return
		case event := <-events:
			// published between Subscribe and the backlog read
			if _, dup := sent[event.ID]; dup && event.ID != "" {
				delete(sent, event.ID)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("failed to write event", zap.Error(err))
				return
			}
		}
	}
}

// sendBacklog writes the agent's recent events when the bus retains
// history and returns the ids it wrote
func (h *Handler) sendBacklog(ctx context.Context, conn *websocket.Conn, agentID string) (map[string]struct{}, error) {
	sent := map[string]struct{}{}
	history, ok := h.eventBus.(ports.EventHistory)
	if !ok {
		return sent, nil
	}
	recent, err := history.Recent(ctx, domain.TopicWorkflow, backlogSize)
	if err != nil {
		h.logger.Warn("failed to read event history", zap.Error(err))
		return sent, nil
	}
	for _, event := range recent {
		if event.AgentID != agentID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			return nil, err
		}
		sent[event.ID] = struct{}{}
	}
	return sent, nil
}
