package store

import (
	"context"
	"errors"
	"time"

	"interview-engine/server/internal/model"
)

// ErrExists 表示同 ID 的会话已经存在。
var ErrExists = errors.New("session already exists")

// SessionFilter 筛选会话记录，零值字段不参与过滤。
type SessionFilter struct {
	Status model.SessionStatus
	// CreatedFrom/CreatedTo 是左闭右开区间。
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Store 是会话记录与对话日志的持久化接口。
//
// 约定：
//   - 同一会话日志的 Seq 从 1 开始严格递增、无空洞；截断后再追加会复用被释放的序号。
//   - Commit/Rollback 在一个事务里同时改日志与会话记录，失败时二者都不变。
//   - 返回的切片与指针都是副本，调用方可以随意修改。
type Store interface {
	// CreateSession 写入新会话，ID 已存在时返回 ErrExists。
	CreateSession(ctx context.Context, s *model.Session) error
	// GetSession 找不到时返回 model.ErrSessionNotFound。
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)

	// Entries 返回会话的全部日志（含历史 Run），按 Seq 排序。
	Entries(ctx context.Context, sessionID string) ([]model.LogEntry, error)
	// EntriesBetween 返回时间戳落在 [from, to) 的日志；to 为零值时不设上界。
	EntriesBetween(ctx context.Context, from, to time.Time) ([]model.LogEntry, error)

	// Commit 追加日志并保存会话快照，返回分配了 Seq 的条目。
	Commit(ctx context.Context, s *model.Session, entries []model.LogEntry) ([]model.LogEntry, error)
	// Rollback 截断会话日志尾部 n 条并保存会话快照。
	Rollback(ctx context.Context, s *model.Session, n int) error

	Close() error
}

func cloneEntry(e model.LogEntry) model.LogEntry {
	if e.Answer != nil {
		a := *e.Answer
		e.Answer = &a
	}
	if e.Depth != nil {
		d := *e.Depth
		e.Depth = &d
	}
	return e
}

func matchSession(s *model.Session, f SessionFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.CreatedFrom.IsZero() && s.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !s.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}
