// Package convo provides the redis-backed conversation history store and the
// optional answer cache. The engine consumes and appends turns but does not
// own durability; both keys carry a one-hour TTL.
package convo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LotLogicAI/lotlogic/engine/domain"
)

const (
	// historyTTL bounds how long an idle conversation survives.
	historyTTL = time.Hour
	// answerTTL bounds cached answers.
	answerTTL = time.Hour
	// StoreCap is the most turns kept per conversation.
	StoreCap = 10
	// PromptCap is how many recent turns the generator sees.
	PromptCap = 5
)

// Store reads and appends conversation turns.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func historyKey(id string) string { return "conversation:" + id }

// History returns all stored turns for a conversation, oldest first.
// Errors degrade to an empty history: a missing redis must never fail a query.
func (s *Store) History(ctx context.Context, id string) []domain.Turn {
	if s == nil || s.rdb == nil || id == "" {
		return nil
	}
	raw, err := s.rdb.Get(ctx, historyKey(id)).Bytes()
	if err != nil {
		return nil
	}
	var turns []domain.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil
	}
	return turns
}

// Recent returns the last PromptCap turns for prompt construction.
func (s *Store) Recent(ctx context.Context, id string) []domain.Turn {
	turns := s.History(ctx, id)
	if len(turns) > PromptCap {
		turns = turns[len(turns)-PromptCap:]
	}
	return turns
}

// Append stores a new turn, capping history at StoreCap and refreshing the
// TTL. Single-key redis writes make appends linearizable per conversation.
func (s *Store) Append(ctx context.Context, id string, turn domain.Turn) error {
	if s == nil || s.rdb == nil || id == "" {
		return nil
	}
	turns := append(s.History(ctx, id), turn)
	if len(turns) > StoreCap {
		turns = turns[len(turns)-StoreCap:]
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, historyKey(id), raw, historyTTL).Err()
}

// AnswerCache caches whole query responses. It must not be consulted when a
// conversation id is present; multi-turn context changes the correct answer.
type AnswerCache struct {
	rdb *redis.Client
}

// NewAnswerCache wraps an existing redis client.
func NewAnswerCache(rdb *redis.Client) *AnswerCache {
	return &AnswerCache{rdb: rdb}
}

// AnswerKey hashes the normalized query into the cache key.
func AnswerKey(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return "query:" + hex.EncodeToString(sum[:8])
}

// Get returns the cached response for a query, if any.
func (c *AnswerCache) Get(ctx context.Context, query string, out any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, AnswerKey(query)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Put stores a response for a query.
func (c *AnswerCache) Put(ctx context.Context, query string, resp any) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, AnswerKey(query), raw, answerTTL).Err()
}
