package livestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"backend-trackmates/internal/logging"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "trackmates:"

func presenceKey(userID string) string { return keyPrefix + "presence:" + userID }
func locationKey(userID string) string { return keyPrefix + "location:" + userID }
func changesChannel(userID string) string {
	return keyPrefix + "changes:" + userID
}

// RedisStore keeps presence in a hash per user and the location as a JSON
// string. Every write publishes the full current value on the user's change
// channel.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	return s.redis.Time(ctx).Result()
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID, platform string) (PresenceRecord, error) {
	now, err := s.Now(ctx)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("store clock: %w", err)
	}
	rec := PresenceRecord{SharingEnabled: true, LastHeartbeat: now.Truncate(time.Millisecond), Platform: platform}
	if err := s.SetPresence(ctx, userID, rec); err != nil {
		return PresenceRecord{}, err
	}
	return rec, nil
}

func (s *RedisStore) SetPresence(ctx context.Context, userID string, rec PresenceRecord) error {
	if err := s.redis.HSet(ctx, presenceKey(userID), presenceFields(rec)).Err(); err != nil {
		return err
	}
	return s.publish(ctx, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID string) error {
	return s.mergePresence(ctx, userID, map[string]any{
		"sharing_enabled": "0",
		"app_uninstalled": "1",
	})
}

func (s *RedisStore) SetSharing(ctx context.Context, userID string, enabled bool) error {
	return s.mergePresence(ctx, userID, map[string]any{"sharing_enabled": boolField(enabled)})
}

func (s *RedisStore) mergePresence(ctx context.Context, userID string, fields map[string]any) error {
	if err := s.redis.HSet(ctx, presenceKey(userID), fields).Err(); err != nil {
		return err
	}
	rec, err := s.GetPresence(ctx, userID)
	if err != nil {
		return err
	}
	return s.publish(ctx, Change{UserID: userID, Kind: ChangePresence, Presence: &rec})
}

func (s *RedisStore) GetPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	fields, err := s.redis.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return PresenceRecord{}, err
	}
	if len(fields) == 0 {
		return PresenceRecord{}, ErrNotFound
	}
	return parsePresence(fields), nil
}

func (s *RedisStore) SetLocation(ctx context.Context, userID string, rec LocationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, locationKey(userID), payload, 0).Err(); err != nil {
		return err
	}
	return s.publish(ctx, Change{UserID: userID, Kind: ChangeLocation, Location: &rec})
}

func (s *RedisStore) DeleteLocation(ctx context.Context, userID string) (bool, error) {
	n, err := s.redis.Del(ctx, locationKey(userID)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, s.publish(ctx, Change{UserID: userID, Kind: ChangeLocation, Deleted: true})
}

func (s *RedisStore) GetLocation(ctx context.Context, userID string) (LocationRecord, error) {
	raw, err := s.redis.Get(ctx, locationKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LocationRecord{}, ErrNotFound
	}
	if err != nil {
		return LocationRecord{}, err
	}
	var rec LocationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return LocationRecord{}, err
	}
	return rec, nil
}

func (s *RedisStore) Watch(ctx context.Context, userID string) (<-chan Change, error) {
	pubsub := s.redis.Subscribe(ctx, changesChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Change, watchBuffer)
	if rec, err := s.GetPresence(ctx, userID); err == nil {
		out <- Change{UserID: userID, Kind: ChangePresence, Presence: &rec}
	}
	if rec, err := s.GetLocation(ctx, userID); err == nil {
		out <- Change{UserID: userID, Kind: ChangeLocation, Location: &rec}
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					logging.Warn().Err(err).Str("channel", msg.Channel).Msg("livestore: dropping malformed change")
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, changesChannel(c.UserID), payload).Err()
}

func presenceFields(rec PresenceRecord) map[string]any {
	return map[string]any{
		"sharing_enabled": boolField(rec.SharingEnabled),
		"last_heartbeat":  strconv.FormatInt(rec.LastHeartbeat.UnixMilli(), 10),
		"app_uninstalled": boolField(rec.AppUninstalled),
		"platform":        rec.Platform,
	}
}

func parsePresence(fields map[string]string) PresenceRecord {
	rec := PresenceRecord{
		SharingEnabled: fields["sharing_enabled"] == "1",
		AppUninstalled: fields["app_uninstalled"] == "1",
		Platform:       fields["platform"],
	}
	if ms, err := strconv.ParseInt(fields["last_heartbeat"], 10, 64); err == nil {
		rec.LastHeartbeat = time.UnixMilli(ms)
	}
	return rec
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
