package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

// MonitorFeed delivers the raw messages published on a monitor channel until
// ctx ends or the returned close func is called.
type MonitorFeed interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)
}

type redisMonitorFeed struct {
	rdb *redis.Client
}

// NewRedisMonitorFeed reads monitor channels through Redis pub/sub, so every
// instance's sessions reach every admin.
func NewRedisMonitorFeed(rdb *redis.Client) MonitorFeed {
	return redisMonitorFeed{rdb: rdb}
}

func (f redisMonitorFeed) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	pubsub := f.rdb.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close
}

type MonitorHandler struct {
	feed     MonitorFeed
	exams    ExamLookup
	registry *service.SessionRegistry
	log      zerolog.Logger
}

func NewMonitorHandler(feed MonitorFeed, exams ExamLookup, registry *service.SessionRegistry, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed:     feed,
		exams:    exams,
		registry: registry,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Streams join, alert and finish events of an exam's sessions, plus periodic
// snapshots of the sessions running on this instance.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	exam, err := h.exams.Get(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, exam, "snapshot")

	ch, unsubscribe := h.feed.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(exam.ID))
	defer unsubscribe()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", exam.ID).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", exam.ID).Msg("Admin disconnected from live monitor SSE")
			return

		case payload, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly; publishers already encode MonitorMessage.
			writeSSEData(c, []byte(payload))

		case <-refreshTicker.C:
			h.sendSnapshot(c, exam, "refresh")

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, exam *model.ExamDefinition, kind string) {
	sessions := h.registry.SnapshotExam(exam.ID)

	var active, finished, violations int
	for _, s := range sessions {
		if s.State.IsTerminal() {
			finished++
		} else {
			active++
		}
		violations += s.Violations
	}

	c.SSEvent("message", gin.H{
		"type": kind,
		"data": gin.H{
			"exam": exam.Payload(),
			"stats": gin.H{
				"active":     active,
				"finished":   finished,
				"violations": violations,
			},
			"sessions": sessions,
		},
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
