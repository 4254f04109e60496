package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// MuteStore keeps mute-until timestamps for one community.
// 키 TTL이 뮤트 만료와 같으므로 키가 없으면 뮤트 아님.
type MuteStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewMuteStore(rdb *redis.Client, community string) *MuteStore {
	return &MuteStore{rdb: rdb, prefix: keyPrefix(community), now: time.Now}
}

func (s *MuteStore) keyPlayer(id string) string { return s.prefix + ":mute:player:" + strings.TrimSpace(id) }
func (s *MuteStore) keyGuild() string           { return s.prefix + ":mute:guild" }
func (s *MuteStore) keyBot() string             { return s.prefix + ":mute:bot" }

func (s *MuteStore) set(ctx context.Context, key string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Set(ctx, key, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err()
}

func (s *MuteStore) get(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	until := time.UnixMilli(ms)
	if !until.After(s.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// PlayerMutedUntil returns the end of an active mute on a chat user.
func (s *MuteStore) PlayerMutedUntil(ctx context.Context, userID string) (time.Time, bool, error) {
	return s.get(ctx, s.keyPlayer(userID))
}

func (s *MuteStore) MutePlayer(ctx context.Context, userID string, until time.Time) error {
	return s.set(ctx, s.keyPlayer(userID), until)
}

func (s *MuteStore) UnmutePlayer(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, s.keyPlayer(userID)).Err()
}

// GuildMutedUntil returns the end of a guild-wide mute.
func (s *MuteStore) GuildMutedUntil(ctx context.Context) (time.Time, bool, error) {
	return s.get(ctx, s.keyGuild())
}

func (s *MuteStore) MuteGuild(ctx context.Context, until time.Time) error {
	return s.set(ctx, s.keyGuild(), until)
}

func (s *MuteStore) UnmuteGuild(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyGuild()).Err()
}

// BotMutedUntil returns the end of the in-game mute on the bridge account.
func (s *MuteStore) BotMutedUntil(ctx context.Context) (time.Time, bool, error) {
	return s.get(ctx, s.keyBot())
}

func (s *MuteStore) SetBotMuted(ctx context.Context, until time.Time) error {
	return s.set(ctx, s.keyBot(), until)
}
