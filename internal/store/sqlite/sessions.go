// Package sqlite implements store.SessionStore on a single-file SQLite
// database, for single-host deployments that want durability without
// standing up Postgres. Same row-cache shape as internal/store/pg, with
// SQLite's "?" placeholders and a text-encoded JSON messages column in
// place of jsonb.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	messages TEXT NOT NULL DEFAULT '[]',
	summary TEXT,
	model TEXT,
	provider TEXT,
	channel TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	compaction_count INTEGER NOT NULL DEFAULT 0,
	memory_flush_compaction_count INTEGER NOT NULL DEFAULT 0,
	memory_flush_at INTEGER NOT NULL DEFAULT 0,
	label TEXT,
	spawned_by TEXT,
	spawn_depth INTEGER NOT NULL DEFAULT 0,
	agent_uuid TEXT,
	user_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions (updated_at DESC);
`

// SessionStore implements store.SessionStore over a local SQLite database.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*store.SessionData
}

// Open opens (creating if absent) the SQLite database at path and ensures
// its schema exists.
func Open(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate schema: %w", err)
	}
	return &SessionStore{db: db, cache: make(map[string]*store.SessionData)}, nil
}

func (s *SessionStore) Close() error { return s.db.Close() }

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
		`INSERT OR IGNORE INTO sessions (id, session_key, messages, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), key, msgsJSON, now, now,
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
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = ?", key)
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

	where, args := "", []interface{}{}
	if opts.AgentID != "" {
		where = " WHERE session_key LIKE ?"
		args = append(args, "agent:"+opts.AgentID+":%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
	}

	selectQ := fmt.Sprintf("SELECT session_key, messages, created_at, updated_at FROM sessions%s ORDER BY updated_at DESC LIMIT ? OFFSET ?", where)
	rows, err := s.db.Query(selectQ, append(args, limit, offset)...)
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	result := []store.SessionInfo{}
	for rows.Next() {
		var key string
		var msgsJSON []byte
		var created, updated time.Time
		if rows.Scan(&key, &msgsJSON, &created, &updated) != nil {
			continue
		}
		var msgs []providers.Message
		json.Unmarshal(msgsJSON, &msgs)
		result = append(result, store.SessionInfo{Key: key, MessageCount: len(msgs), Created: created, Updated: updated})
	}
	return store.SessionListResult{Sessions: result, Total: total}
}

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
	var agentUUID interface{}
	if snapshot.AgentUUID != uuid.Nil {
		agentUUID = snapshot.AgentUUID.String()
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET
			messages = ?, summary = ?, model = ?, provider = ?, channel = ?,
			input_tokens = ?, output_tokens = ?, compaction_count = ?,
			memory_flush_compaction_count = ?, memory_flush_at = ?,
			label = ?, spawned_by = ?, spawn_depth = ?,
			agent_uuid = ?, user_id = ?, updated_at = ?
		 WHERE session_key = ?`,
		msgsJSON, snapshot.Summary, snapshot.Model, snapshot.Provider, snapshot.Channel,
		snapshot.InputTokens, snapshot.OutputTokens, snapshot.CompactionCount,
		snapshot.MemoryFlushCompactionCount, snapshot.MemoryFlushAt,
		snapshot.Label, snapshot.SpawnedBy, snapshot.SpawnDepth,
		agentUUID, snapshot.UserID, snapshot.Updated,
		key,
	)
	return err
}

// LastUsedChannel finds the most recently updated non-background session
// for agentID. SQLite has no array-binding analog to Postgres's LIKE ALL,
// so the exclusion is three plain NOT LIKE clauses.
func (s *SessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	prefix := "agent:" + agentID + ":"
	var sessionKey string
	err := s.db.QueryRow(
		`SELECT session_key FROM sessions
		 WHERE session_key LIKE ? AND session_key NOT LIKE ? AND session_key NOT LIKE ? AND session_key NOT LIKE ?
		 ORDER BY updated_at DESC LIMIT 1`,
		prefix+"%", prefix+"cron:%", prefix+"subagent:%", prefix+"heartbeat:%",
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
	var summary, model, provider, channel, label, spawnedBy, userID, agentUUID sql.NullString
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
		 FROM sessions WHERE session_key = ?`, key,
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
		if parsed, err := uuid.Parse(agentUUID.String); err == nil {
			data.AgentUUID = parsed
		}
	}
	return data
}
