package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"interview-engine/server/internal/model"
)

// MemoryStore 是一个基于内存的 Store 实现。
// 重启即丢数据，适合本地调试与测试；多实例部署请用 SQLiteStore。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	logs     map[string][]model.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		logs:     make(map[string][]model.LogEntry),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession 根据 ID 获取会话记录。
func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if matchSession(sess, filter) {
			out = append(out, *sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Entries 返回某个会话的全部日志（按 seq 顺序）。
// 兼容性：返回切片副本，避免调用方修改内部数据。
func (s *MemoryStore) Entries(_ context.Context, sessionID string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[sessionID]
	out := make([]model.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

func (s *MemoryStore) EntriesBetween(_ context.Context, from, to time.Time) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []model.LogEntry
	for _, id := range ids {
		for _, e := range s.logs[id] {
			if e.Timestamp.Before(from) || (!to.IsZero() && !e.Timestamp.Before(to)) {
				continue
			}
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Commit 追加日志并为每条分配单调递增 seq，同时保存会话快照。
func (s *MemoryStore) Commit(_ context.Context, sess *model.Session, entries []model.LogEntry) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sess.ID]
	seq := int64(len(log))
	out := make([]model.LogEntry, len(entries))
	for i, e := range entries {
		seq++
		e = cloneEntry(e)
		e.SessionID = sess.ID
		e.Seq = seq
		log = append(log, e)
		out[i] = cloneEntry(e)
	}
	if len(entries) > 0 {
		s.logs[sess.ID] = log
	}
	s.sessions[sess.ID] = sess.Clone()
	return out, nil
}

func (s *MemoryStore) Rollback(_ context.Context, sess *model.Session, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sess.ID]
	if n < 0 || n > len(log) {
		return fmt.Errorf("truncate %d of %d entries", n, len(log))
	}
	s.logs[sess.ID] = log[:len(log)-n:len(log)-n]
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
