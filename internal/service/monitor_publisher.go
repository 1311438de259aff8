package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const publishTimeout = 3 * time.Second

// MonitorMessageType tags messages on an exam's monitor channel.
type MonitorMessageType string

const (
	MonitorJoined   MonitorMessageType = "joined"
	MonitorAlert    MonitorMessageType = "alert"
	MonitorFinished MonitorMessageType = "finished"
)

// MonitorMessage is published to config.CacheKey.ExamMonitorChannel and
// forwarded verbatim to admins watching the exam.
type MonitorMessage struct {
	Type        MonitorMessageType `json:"type"`
	ExamID      string             `json:"exam_id"`
	TestTakerID string             `json:"test_taker_id"`
	Alert       *proctor.Alert     `json:"alert,omitempty"`
	State       model.SessionState `json:"state,omitempty"`
	Reason      model.EndReason    `json:"reason,omitempty"`
	Violations  int                `json:"violations,omitempty"`
}

// MonitorPublisher relays one session's alerts to the exam monitor channel.
// Publishing happens off the caller's goroutine so a slow Redis never
// delays the session.
type MonitorPublisher struct {
	rdb         *redis.Client
	examID      string
	testTakerID string
	log         zerolog.Logger
}

// NewMonitorPublisher creates a publisher for one session.
func NewMonitorPublisher(rdb *redis.Client, examID, testTakerID string, log zerolog.Logger) *MonitorPublisher {
	return &MonitorPublisher{
		rdb:         rdb,
		examID:      examID,
		testTakerID: testTakerID,
		log:         log.With().Str("component", "monitor_publisher").Logger(),
	}
}

// OnAlert implements proctor.AlertListener.
func (p *MonitorPublisher) OnAlert(a proctor.Alert) {
	p.publish(MonitorMessage{Type: MonitorAlert, Alert: &a})
}

// Joined announces that the test-taker started the session.
func (p *MonitorPublisher) Joined() {
	p.publish(MonitorMessage{Type: MonitorJoined, State: model.SessionStateActive})
}

func (p *MonitorPublisher) publish(msg MonitorMessage) {
	msg.ExamID = p.examID
	msg.TestTakerID = p.testTakerID
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to marshal monitor message")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(p.examID), data).Err(); err != nil {
			p.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Failed to publish monitor message")
		}
	}()
}
