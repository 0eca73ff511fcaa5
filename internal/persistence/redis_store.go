package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/varenne/stagehand/pkg/api"
)

// RedisStore implements SessionStore and CheckpointStore on Redis.
// It uses a simple key structure:
//
//	<prefix>sess:<id>             => gob-encoded redisSessionPayload
//	<prefix>idx:all               => SET of all session IDs
//	<prefix>idx:pipe:<pipeline>   => SET of session IDs for a pipeline
//	<prefix>idx:status:<status>   => SET of session IDs for a status
//	<prefix>ckpt:<sessionID>      => HASH ordinal -> gob-encoded Checkpoint
//
// HSET replaces a checkpoint field atomically, preserving the at-most-one
// live checkpoint per (session, ordinal) invariant. The session indexes are
// best-effort; ListSessions filters by payload.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ SessionStore = (*RedisStore)(nil)

var _ CheckpointStore = (*RedisStore)(nil)

type redisSessionPayload struct {
	ID           string
	Pipeline     string
	Status       string
	CurrentStage int
	CreatedAt    int64
	Input        []byte
	Output       []byte
	StageOutputs []byte
	Attempts     []byte
	UsageCalls   int64
	UsageTokens  int64
	UsageElapsed int64
	Error        string
	FailReason   string
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stagehand:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stagehand:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keySession(id string) string {
	return s.prefix + "sess:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyPipeline(name string) string {
	return s.prefix + "idx:pipe:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyCheckpoints(sessionID string) string {
	return s.prefix + "ckpt:" + sessionID
}

func encodeRedisSession(sess *api.Session) ([]byte, error) {
	input, err := EncodeValue(sess.Input)
	if err != nil {
		return nil, err
	}
	output, err := EncodeValue(sess.Output)
	if err != nil {
		return nil, err
	}
	stageOutputs, err := EncodeValue(sess.StageOutputs)
	if err != nil {
		return nil, err
	}
	attempts, err := EncodeValue(sess.Attempts)
	if err != nil {
		return nil, err
	}

	errStr := ""
	if sess.Err != nil {
		errStr = sess.Err.Error()
	}

	payload := redisSessionPayload{
		ID:           sess.ID,
		Pipeline:     sess.Pipeline,
		Status:       string(sess.Status),
		CurrentStage: sess.CurrentStage,
		CreatedAt:    sess.CreatedAt.UnixNano(),
		Input:        input,
		Output:       output,
		StageOutputs: stageOutputs,
		Attempts:     attempts,
		UsageCalls:   sess.Usage.ProviderCalls,
		UsageTokens:  sess.Usage.Tokens,
		UsageElapsed: int64(sess.Usage.Elapsed),
		Error:        errStr,
		FailReason:   sess.FailReason,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisSession(data []byte) (*api.Session, error) {
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}
	var payload redisSessionPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	input, err := DecodeValue[api.Payload](payload.Input)
	if err != nil {
		return nil, err
	}
	output, err := DecodeValue[api.Payload](payload.Output)
	if err != nil {
		return nil, err
	}
	stageOutputs, err := DecodeValue[map[int]api.Payload](payload.StageOutputs)
	if err != nil {
		return nil, err
	}
	attempts, err := DecodeValue[[]api.StageAttempt](payload.Attempts)
	if err != nil {
		return nil, err
	}

	sess := &api.Session{
		ID:           payload.ID,
		Pipeline:     payload.Pipeline,
		Status:       api.Status(payload.Status),
		CurrentStage: payload.CurrentStage,
		CreatedAt:    time.Unix(0, payload.CreatedAt),
		Input:        input,
		Output:       output,
		StageOutputs: stageOutputs,
		Attempts:     attempts,
		FailReason:   payload.FailReason,
	}
	sess.Usage.ProviderCalls = payload.UsageCalls
	sess.Usage.Tokens = payload.UsageTokens
	sess.Usage.Elapsed = time.Duration(payload.UsageElapsed)
	if payload.Error != "" {
		sess.Err = errors.New(payload.Error)
	}

	return sess, nil
}

func (s *RedisStore) writeSession(sess *api.Session) error {
	ctx := context.Background()

	data, err := encodeRedisSession(sess)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.keySession(sess.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates are best-effort; stale entries are filtered out on
	// ListSessions by re-checking the payload.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), sess.ID)
	pipe.SAdd(ctx, s.keyPipeline(sess.Pipeline), sess.ID)
	pipe.SAdd(ctx, s.keyStatus(sess.Status), sess.ID)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (s *RedisStore) SaveSession(sess *api.Session) error {
	return s.writeSession(sess)
}

func (s *RedisStore) UpdateSession(sess *api.Session) error {
	ctx := context.Background()

	exists, err := s.client.Exists(ctx, s.keySession(sess.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return s.writeSession(sess)
}

func (s *RedisStore) GetSession(id string) (*api.Session, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keySession(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return decodeRedisSession(data)
}

func (s *RedisStore) ListSessions(filter SessionFilter) ([]*api.Session, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case filter.Pipeline != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyPipeline(filter.Pipeline),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Pipeline != "":
		ids, err = s.client.SMembers(ctx, s.keyPipeline(filter.Pipeline)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Session{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keySession(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var sessions []*api.Session
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		sess, err := decodeRedisSession(data)
		if err != nil {
			return nil, err
		}
		// Re-check against the filter: indexes may hold stale members.
		if filter.Pipeline != "" && sess.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

func (s *RedisStore) DeleteSession(id string) error {
	ctx := context.Background()

	deleted, err := s.client.Del(ctx, s.keySession(id)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrSessionNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.keyAll(), id)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&cp); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyCheckpoints(cp.SessionID),
		strconv.Itoa(cp.Ordinal), buf.Bytes()).Err()
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, sessionID string, ordinal int) (Checkpoint, error) {
	data, err := s.client.HGet(ctx, s.keyCheckpoints(sessionID), strconv.Itoa(ordinal)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		return Checkpoint{}, err
	}

	var cp Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *RedisStore) ListCheckpoints(ctx context.Context, sessionID string) ([]int, error) {
	fields, err := s.client.HKeys(ctx, s.keyCheckpoints(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	ordinals := make([]int, 0, len(fields))
	for _, f := range fields {
		ord, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)
	return ordinals, nil
}

func (s *RedisStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.keyCheckpoints(sessionID)).Err()
}

func (s *RedisStore) DeleteCheckpointsFrom(ctx context.Context, sessionID string, ordinal int) error {
	ordinals, err := s.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return err
	}

	var fields []string
	for _, ord := range ordinals {
		if ord >= ordinal {
			fields = append(fields, strconv.Itoa(ord))
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.keyCheckpoints(sessionID), fields...).Err()
}
