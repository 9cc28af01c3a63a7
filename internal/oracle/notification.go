package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// event is the payload published on completion transitions; kept minimal
// since the core treats the sink as best-effort and fire-and-forget.
type event struct {
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	EntityID  int64     `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisNotificationSink publishes completion events on a per-user redis
// pub/sub channel, the same transport the teacher's notification service
// uses for its broadcast fan-out, minus the in-process subscriber registry
// (the core has no UI to push to directly; the transport layer that wants
// live updates subscribes to these channels itself).
type RedisNotificationSink struct {
	rdb *redis.Client
	log *logrus.Entry
}

func NewRedisNotificationSink(rdb *redis.Client, log *logrus.Logger) *RedisNotificationSink {
	return &RedisNotificationSink{rdb: rdb, log: log.WithField("component", "notification_sink")}
}

// NotifyCompletion never returns an error to the caller in practice — the
// transport-facing wrapper in internal/testengine and internal/progress
// already treats this call as fire-and-forget per §7, but we still surface
// the error here so callers in tests can assert on it.
func (s *RedisNotificationSink) NotifyCompletion(ctx context.Context, userID int64, kind string, entityID int64) error {
	ev := event{UserID: userID, Kind: kind, EntityID: entityID, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal notification event")
		return err
	}

	channel := fmt.Sprintf("notifications:%d", userID)
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("failed to publish notification")
		return err
	}
	return nil
}
