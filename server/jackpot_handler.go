package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/points"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	EventTypeConnected = "connected"
	EventTypeUpdated   = "updated"
	EventTypeHeartbeat = "heartbeat"
)

// JackpotHandler serves pool snapshots and bridges the pool feed to SSE and
// WebSocket clients.
type JackpotHandler struct {
	pools           PoolReader
	feed            PoolFeed
	logger          zerolog.Logger
	heartbeatPeriod time.Duration
	writeDeadline   time.Duration
	upgrader        websocket.Upgrader
}

// NewJackpotHandler creates a jackpot handler.
func NewJackpotHandler(app *App, pools PoolReader, feed PoolFeed) *JackpotHandler {
	return &JackpotHandler{
		pools:           pools,
		feed:            feed,
		logger:          app.logger.With().Str("handler", "jackpot").Logger(),
		heartbeatPeriod: 30 * time.Second,
		writeDeadline:   10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Response is one message on a pool stream.
type Response struct {
	Type      string                `json:"type"`
	Timestamp int64                 `json:"timestamp"`
	Pools     map[string]PoolUpdate `json:"pools,omitempty"`
}

// PoolUpdate is a tier total as sent to stream clients.
type PoolUpdate struct {
	Points    int64           `json:"points"`
	Value     decimal.Decimal `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

func toPoolUpdate(pts int64, at time.Time) PoolUpdate {
	return PoolUpdate{Points: pts, Value: points.ToCurrency(pts), Timestamp: at.Unix()}
}

// Pools handles GET /api/jackpot/pools
func (h *JackpotHandler) Pools(c *gin.Context) {
	snap, err := h.pools.GetSnapshot(c.Request.Context())
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, snap)
}

type streamConfig struct {
	tiers   []string // empty means every tier
	initial jackpot.Snapshot
	ctx     context.Context
}

func (s *streamConfig) wants(tierID string) bool {
	return len(s.tiers) == 0 || lo.Contains(s.tiers, tierID)
}

// StreamUpdates opens an SSE connection and streams pool updates.
// Route: GET /api/jackpot/updates?tiers=lucky,major
func (h *JackpotHandler) StreamUpdates(c *gin.Context) {
	config, err := h.prepareStreamConfig(c)
	if err != nil {
		return
	}

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug().Err(err).Msg("Could not clear write deadline for SSE stream")
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	h.streamUpdates(config, &sseSender{writer: c.Writer}, nil)
}

// StreamUpdatesWebSocket opens a WebSocket connection and streams pool updates.
// Route: GET /api/jackpot/updates/ws?tiers=grand
func (h *JackpotHandler) StreamUpdatesWebSocket(c *gin.Context) {
	config, err := h.prepareStreamConfig(c)
	if err != nil {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close() //nolint:errcheck

	done := make(chan struct{})

	// Clients only send control frames; a read error means the peer is gone.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug().Err(err).Msg("WebSocket closed unexpectedly")
				}
				return
			}
		}
	}()

	sender := &wsSender{conn: conn, done: done, logger: h.logger, writeDeadline: h.writeDeadline}
	h.streamUpdates(config, sender, done)
}

// prepareStreamConfig parses the tier filter and loads the initial totals.
// On error the response has already been written.
func (h *JackpotHandler) prepareStreamConfig(c *gin.Context) (*streamConfig, error) {
	snap, err := h.pools.GetSnapshot(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load pool snapshot")
		HandleAppError(c, err)
		return nil, err
	}

	var tiers []string
	if raw := c.Query("tiers"); raw != "" {
		tiers = lo.Uniq(lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		})))
		for _, id := range tiers {
			if _, ok := snap[id]; !ok {
				err := errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", id)
				HandleAppError(c, err)
				return nil, err
			}
		}
	}

	return &streamConfig{tiers: tiers, initial: snap, ctx: c.Request.Context()}, nil
}

// streamUpdates handles the common streaming logic for both SSE and WebSocket.
// done, when non-nil, is closed once the client disconnects.
func (h *JackpotHandler) streamUpdates(config *streamConfig, sender messageSender, done <-chan struct{}) {
	updates, cancel := h.feed.Listen(config.ctx)
	defer cancel()

	if err := sender.Send(&Response{Type: EventTypeConnected, Timestamp: time.Now().Unix()}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send connected event, stopping stream")
		return
	}

	initial := make(map[string]PoolUpdate, len(config.initial))
	for id, t := range config.initial {
		if config.wants(id) {
			initial[id] = toPoolUpdate(t.Points, t.UpdatedAt)
		}
	}
	if len(initial) > 0 {
		if err := sender.Send(&Response{Type: EventTypeUpdated, Timestamp: time.Now().Unix(), Pools: initial}); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send initial pools, stopping stream")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-config.ctx.Done():
			return
		case <-done:
			h.logger.Debug().Msg("WebSocket connection closed, stopping stream")
			return
		case <-heartbeat.C:
			if err := sender.Send(&Response{Type: EventTypeHeartbeat, Timestamp: time.Now().Unix()}); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to send heartbeat, stopping stream")
				return
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Updates flushed together arrive back to back; send them as one message.
			pending := make(map[string]PoolUpdate)
			h.collect(config, pending, update)
		drain:
			for {
				select {
				case next, ok := <-updates:
					if !ok {
						break drain
					}
					h.collect(config, pending, next)
				default:
					break drain
				}
			}
			if len(pending) == 0 {
				continue
			}
			if err := sender.Send(&Response{Type: EventTypeUpdated, Timestamp: time.Now().Unix(), Pools: pending}); err != nil {
				h.logger.Debug().Err(err).Int("pool_count", len(pending)).Msg("Failed to send update, stopping stream")
				return
			}
		}
	}
}

func (h *JackpotHandler) collect(config *streamConfig, pending map[string]PoolUpdate, update jackpot.Update) {
	if !config.wants(update.TierID) {
		return
	}
	if prev, ok := pending[update.TierID]; ok && prev.Timestamp > update.Timestamp.Unix() {
		return
	}
	pending[update.TierID] = toPoolUpdate(update.Points, update.Timestamp)
}

// messageSender sends stream messages (SSE or WebSocket).
type messageSender interface {
	Send(*Response) error
}

type sseSender struct {
	writer gin.ResponseWriter
}

func (s *sseSender) Send(resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}

type wsSender struct {
	conn          *websocket.Conn
	done          <-chan struct{}
	logger        zerolog.Logger
	writeDeadline time.Duration
}

func (s *wsSender) Send(resp *Response) error {
	select {
	case <-s.done:
		return io.EOF
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeDeadline)); err != nil {
		return err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Debug().Err(err).Str("event_type", resp.Type).Msg("WebSocket closed during write")
		} else {
			s.logger.Warn().Err(err).Str("event_type", resp.Type).Msg("WebSocket write failed")
		}
		return err
	}
	return nil
}
