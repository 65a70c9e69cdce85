package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const progressBufferSize = 16

// GradeProgressEvent is one live snapshot of a grade's run progress,
// published each time a run finishes or the grade changes state.
type GradeProgressEvent struct {
	GradeID         uint              `json:"grade_id"`
	Status          string            `json:"status"`
	RunProgress     map[string]string `json:"run_progress"`
	SynthesisStatus string            `json:"synthesis_status"`
	SentAt          time.Time         `json:"sent_at"`
	Source          string            `json:"source,omitempty"`
}

// ProgressBroker fans grade progress out to in-process subscribers (the
// websocket handler) and across nodes via redis pub/sub. Events are also
// published to NATS for the out-of-scope notification layer.
type ProgressBroker struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[uint]map[chan GradeProgressEvent]struct{}
}

// NewProgressBroker constructs the broker. Redis and NATS connections are
// optional; a nil client keeps fan-out purely in-process.
func NewProgressBroker(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *ProgressBroker {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":grade-progress"
		subject = channelBase + ".grades.progress"
	}

	return &ProgressBroker{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "progress_broker").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[uint]map[chan GradeProgressEvent]struct{}),
	}
}

// Start consumes cross-node events from redis pub/sub until ctx is done.
func (b *ProgressBroker) Start(ctx context.Context) {
	if b.redis == nil || b.redisChannel == "" {
		return
	}
	go b.consumeRedis(ctx)
}

// Publish delivers the event to local subscribers and forwards it to redis
// and NATS. Delivery is best-effort; a slow subscriber never blocks the
// grading pipeline.
func (b *ProgressBroker) Publish(ctx context.Context, event GradeProgressEvent) {
	event.SentAt = time.Now().UTC()
	b.deliver(event)

	event.Source = b.nodeID
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Uint("grade_id", event.GradeID).Msg("failed to encode progress event")
		return
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to publish progress event to redis")
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			b.logger.Warn().Err(err).Msg("failed to publish progress event to nats")
		}
	}
}

// Subscribe registers a listener for one grade's progress. The returned
// cancel function must be called to release the channel.
func (b *ProgressBroker) Subscribe(gradeID uint) (<-chan GradeProgressEvent, func()) {
	ch := make(chan GradeProgressEvent, progressBufferSize)

	b.mu.Lock()
	if b.subscribers[gradeID] == nil {
		b.subscribers[gradeID] = make(map[chan GradeProgressEvent]struct{})
	}
	b.subscribers[gradeID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subscribers[gradeID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subscribers, gradeID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}

	return ch, cancel
}

func (b *ProgressBroker) deliver(event GradeProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.GradeID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *ProgressBroker) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}

			var event GradeProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Msg("failed to decode progress event from redis")
				continue
			}
			if event.Source == b.nodeID {
				continue
			}

			b.deliver(event)
		}
	}
}
