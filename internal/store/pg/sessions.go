package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/store"
)

// SessionStore implements store.SessionStore over a Postgres "sessions"
// table. Writes land in an in-memory row cache immediately and are
// flushed to the database by Save; reads are served from the cache,
// falling back to a row lookup on a cache miss.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*store.SessionData
}

// New returns a Postgres-backed SessionStore. The caller owns db's
// lifetime (see OpenDB).
func New(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, cache: make(map[string]*store.SessionData)}
}

func (s *SessionStore) GetOrCreate(key string) *store.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrInitLocked(key)
}

func (s *SessionStore) getOrInitLocked(key string) *store.SessionData {
	if data, ok := s.cache[key]; ok {
		return data
	}
	if data := s.loadRow(key); data != nil {
		s.cache[key] = data
		return data
	}

	now := time.Now()
	data := &store.SessionData{Key: key, Messages: []providers.Message{}, Created: now, Updated: now}
	s.cache[key] = data

	msgsJSON, _ := json.Marshal(data.Messages)
	s.db.Exec(
		`INSERT INTO sessions (id, session_key, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (session_key) DO NOTHING`,
		uuid.New(), key, msgsJSON, now, now,
	)
	return data
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.Messages = append(data.Messages, msg)
	data.Updated = time.Now()
}

func (s *SessionStore) GetHistory(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	out := make([]providers.Message, len(data.Messages))
	copy(out, data.Messages)
	return out
}

func (s *SessionStore) GetSummary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		return data.Summary
	}
	return ""
}

func (s *SessionStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrInitLocked(key).Summary = summary
}

func (s *SessionStore) SetLabel(key, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrInitLocked(key).Label = label
}

func (s *SessionStore) SetAgentInfo(key string, agentUUID uuid.UUID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	if agentUUID != uuid.Nil {
		data.AgentUUID = agentUUID
	}
	if userID != "" {
		data.UserID = userID
	}
}

func (s *SessionStore) UpdateMetadata(key, model, provider, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	if model != "" {
		data.Model = model
	}
	if provider != "" {
		data.Provider = provider
	}
	if channel != "" {
		data.Channel = channel
	}
}

func (s *SessionStore) AccumulateTokens(key string, input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.InputTokens += input
	data.OutputTokens += output
}

func (s *SessionStore) IncrementCompaction(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrInitLocked(key).CompactionCount++
}

func (s *SessionStore) GetCompactionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		return data.CompactionCount
	}
	return 0
}

func (s *SessionStore) GetMemoryFlushCompactionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		return data.MemoryFlushCompactionCount
	}
	return -1
}

func (s *SessionStore) SetMemoryFlushDone(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.MemoryFlushCompactionCount = data.CompactionCount
	data.MemoryFlushAt = time.Now().UnixMilli()
}

func (s *SessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.SpawnedBy = spawnedBy
	data.SpawnDepth = depth
}

func (s *SessionStore) SetContextWindow(key string, cw int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrInitLocked(key).ContextWindow = cw
}

func (s *SessionStore) GetContextWindow(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		return data.ContextWindow
	}
	return 0
}

func (s *SessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.LastPromptTokens = tokens
	data.LastMessageCount = msgCount
}

func (s *SessionStore) GetLastPromptTokens(key string) (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		return data.LastPromptTokens, data.LastMessageCount
	}
	return 0, 0
}

func (s *SessionStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	if keepLast <= 0 {
		data.Messages = []providers.Message{}
	} else if len(data.Messages) > keepLast {
		data.Messages = data.Messages[len(data.Messages)-keepLast:]
	}
	data.Updated = time.Now()
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	data.Messages = []providers.Message{}
	data.Summary = ""
	data.Updated = time.Now()
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = $1", key)
	return err
}

func (s *SessionStore) List(agentID string) []store.SessionInfo {
	return s.ListPaged(store.SessionListOpts{AgentID: agentID, Limit: 1 << 30}).Sessions
}

func (s *SessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	where, whereArgs := "", []interface{}{}
	if opts.AgentID != "" {
		where = " WHERE session_key LIKE $1"
		whereArgs = append(whereArgs, "agent:"+opts.AgentID+":%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, whereArgs...).Scan(&total); err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
	}

	selectArgs := append(append([]interface{}{}, whereArgs...), limit, offset)
	selectQ := fmt.Sprintf(
		"SELECT session_key, jsonb_array_length(messages), created_at, updated_at FROM sessions%s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d",
		where, len(whereArgs)+1, len(whereArgs)+2,
	)

	rows, err := s.db.Query(selectQ, selectArgs...)
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	result := []store.SessionInfo{}
	for rows.Next() {
		var key string
		var count int
		var created, updated time.Time
		if rows.Scan(&key, &count, &created, &updated) != nil {
			continue
		}
		result = append(result, store.SessionInfo{Key: key, MessageCount: count, Created: created, Updated: updated})
	}
	return store.SessionListResult{Sessions: result, Total: total}
}

// Save flushes the cached row for key back to Postgres.
func (s *SessionStore) Save(key string) error {
	s.mu.RLock()
	data, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *data
	snapshot.Messages = append([]providers.Message{}, data.Messages...)
	s.mu.RUnlock()

	msgsJSON, _ := json.Marshal(snapshot.Messages)
	_, err := s.db.Exec(
		`UPDATE sessions SET
			messages = $1, summary = $2, model = $3, provider = $4, channel = $5,
			input_tokens = $6, output_tokens = $7, compaction_count = $8,
			memory_flush_compaction_count = $9, memory_flush_at = $10,
			label = $11, spawned_by = $12, spawn_depth = $13,
			agent_uuid = $14, user_id = $15, updated_at = $16
		 WHERE session_key = $17`,
		msgsJSON, nullable(snapshot.Summary), nullable(snapshot.Model), nullable(snapshot.Provider), nullable(snapshot.Channel),
		snapshot.InputTokens, snapshot.OutputTokens, snapshot.CompactionCount,
		snapshot.MemoryFlushCompactionCount, snapshot.MemoryFlushAt,
		nullable(snapshot.Label), nullable(snapshot.SpawnedBy), snapshot.SpawnDepth,
		nullableUUID(snapshot.AgentUUID), nullable(snapshot.UserID), snapshot.Updated,
		key,
	)
	return err
}

// LastUsedChannel finds the most recently updated session for agentID that
// isn't a background run (cron, subagent, heartbeat), excluded in one
// round trip via pq.Array's NOT LIKE ALL binding rather than a chain of
// NOT LIKE clauses.
func (s *SessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	prefix := "agent:" + agentID + ":"
	excluded := []string{prefix + "cron:%", prefix + "subagent:%", prefix + "heartbeat:%"}

	var sessionKey string
	err := s.db.QueryRow(
		`SELECT session_key FROM sessions
		 WHERE session_key LIKE $1 AND session_key NOT LIKE ALL($2)
		 ORDER BY updated_at DESC LIMIT 1`,
		prefix+"%", pq.Array(excluded),
	).Scan(&sessionKey)
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(sessionKey, ":", 5)
	if len(parts) >= 5 {
		return parts[2], parts[4]
	}
	return "", ""
}

func (s *SessionStore) loadRow(key string) *store.SessionData {
	var sessionKey string
	var msgsJSON []byte
	var summary, model, provider, channel, label, spawnedBy, userID sql.NullString
	var agentUUID uuid.NullUUID
	var inputTokens, outputTokens int64
	var compactionCount, memoryFlushCompactionCount, spawnDepth int
	var memoryFlushAt int64
	var created, updated time.Time

	err := s.db.QueryRow(
		`SELECT session_key, messages, summary, model, provider, channel,
		 input_tokens, output_tokens, compaction_count,
		 memory_flush_compaction_count, memory_flush_at,
		 label, spawned_by, spawn_depth, agent_uuid, user_id,
		 created_at, updated_at
		 FROM sessions WHERE session_key = $1`, key,
	).Scan(&sessionKey, &msgsJSON, &summary, &model, &provider, &channel,
		&inputTokens, &outputTokens, &compactionCount,
		&memoryFlushCompactionCount, &memoryFlushAt,
		&label, &spawnedBy, &spawnDepth, &agentUUID, &userID,
		&created, &updated)
	if err != nil {
		return nil
	}

	var msgs []providers.Message
	json.Unmarshal(msgsJSON, &msgs)

	data := &store.SessionData{
		Key: sessionKey, Messages: msgs, Summary: summary.String,
		Created: created, Updated: updated, UserID: userID.String,
		Model: model.String, Provider: provider.String, Channel: channel.String,
		InputTokens: inputTokens, OutputTokens: outputTokens,
		CompactionCount: compactionCount, MemoryFlushCompactionCount: memoryFlushCompactionCount,
		MemoryFlushAt: memoryFlushAt, Label: label.String, SpawnedBy: spawnedBy.String,
		SpawnDepth: spawnDepth,
	}
	if agentUUID.Valid {
		data.AgentUUID = agentUUID.UUID
	}
	return data
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableUUID(u uuid.UUID) interface{} {
	if u == uuid.Nil {
		return nil
	}
	return u
}
