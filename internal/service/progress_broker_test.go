package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/markm8/grading-api/internal/models"
)

func TestProgressBrokerDeliversLocally(t *testing.T) {
	broker := NewProgressBroker(nil, nil, "", zerolog.Nop())

	events, cancel := broker.Subscribe(42)
	defer cancel()

	broker.Publish(context.Background(), GradeProgressEvent{
		GradeID:     42,
		Status:      models.GradeStatusProcessing,
		RunProgress: map[string]string{"0": models.RunProgressComplete},
	})

	select {
	case event := <-events:
		require.Equal(t, uint(42), event.GradeID)
		require.Equal(t, models.GradeStatusProcessing, event.Status)
		require.Equal(t, models.RunProgressComplete, event.RunProgress["0"])
		require.False(t, event.SentAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected a progress event")
	}
}

func TestProgressBrokerIgnoresOtherGrades(t *testing.T) {
	broker := NewProgressBroker(nil, nil, "", zerolog.Nop())

	events, cancel := broker.Subscribe(42)
	defer cancel()

	broker.Publish(context.Background(), GradeProgressEvent{GradeID: 43})

	select {
	case <-events:
		t.Fatal("received an event for another grade")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProgressBrokerFansOutAcrossNodes(t *testing.T) {
	server := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientB.Close()

	nodeA := NewProgressBroker(clientA, nil, "markm8", zerolog.Nop())
	nodeB := NewProgressBroker(clientB, nil, "markm8", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeB.Start(ctx)

	events, unsubscribe := nodeB.Subscribe(7)
	defer unsubscribe()

	// Give the pub/sub consumer a moment to attach before publishing.
	require.Eventually(t, func() bool {
		nodeA.Publish(ctx, GradeProgressEvent{
			GradeID: 7,
			Status:  models.GradeStatusComplete,
		})
		select {
		case event := <-events:
			require.Equal(t, uint(7), event.GradeID)
			require.Equal(t, models.GradeStatusComplete, event.Status)
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}

func TestProgressBrokerSkipsItsOwnRedisEcho(t *testing.T) {
	server := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	broker := NewProgressBroker(client, nil, "markm8", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker.Start(ctx)

	events, unsubscribe := broker.Subscribe(7)
	defer unsubscribe()

	broker.Publish(ctx, GradeProgressEvent{GradeID: 7, Status: models.GradeStatusProcessing})

	// Exactly one delivery: the local one, never the redis round trip.
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected the local delivery")
	}

	select {
	case <-events:
		t.Fatal("received a duplicate event via the redis echo")
	case <-time.After(200 * time.Millisecond):
	}
}
