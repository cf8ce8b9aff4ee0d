package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"interview-engine/server/internal/model"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore 用 SQLite 持久化会话与对话日志。时间戳存为 unix 纳秒，区间查询按数值比较。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开 dbPath 处的数据库，表不存在时创建。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// 单连接：写事务串行，不会遇到 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_name TEXT NOT NULL,
		status TEXT NOT NULL,
		run INTEGER NOT NULL DEFAULT 0,
		topic_ids TEXT NOT NULL,
		preferred_topics TEXT NOT NULL DEFAULT '[]',
		question_index INTEGER NOT NULL DEFAULT 0,
		followup_count INTEGER NOT NULL DEFAULT 0,
		pending_followup TEXT NOT NULL DEFAULT '',
		pending_ai INTEGER NOT NULL DEFAULT 0,
		seed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS conversation_log (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		run INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL,
		topic_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT,
		depth INTEGER,
		ai_generated INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_log_ts ON conversation_log(ts);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := db.Exec(schema)
	return err
}

const sessionColumns = `id, user_name, status, run, topic_ids, preferred_topics, question_index, followup_count,
	pending_followup, pending_ai, seed, created_at, last_active_at, completed_at`

const upsertSession = `INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_name = excluded.user_name,
		status = excluded.status,
		run = excluded.run,
		topic_ids = excluded.topic_ids,
		preferred_topics = excluded.preferred_topics,
		question_index = excluded.question_index,
		followup_count = excluded.followup_count,
		pending_followup = excluded.pending_followup,
		pending_ai = excluded.pending_ai,
		seed = excluded.seed,
		last_active_at = excluded.last_active_at,
		completed_at = excluded.completed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sessionArgs(sess *model.Session) ([]any, error) {
	topics, err := json.Marshal(sess.TopicIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal topic ids: %w", err)
	}
	preferred, err := json.Marshal(append([]string{}, sess.PreferredTopics...))
	if err != nil {
		return nil, fmt.Errorf("marshal preferred topics: %w", err)
	}
	var completed any
	if sess.CompletedAt != nil {
		completed = sess.CompletedAt.UnixNano()
	}
	return []any{
		sess.ID, sess.UserName, string(sess.Status), sess.Run, string(topics), string(preferred),
		sess.QuestionIndex, sess.FollowupCount, sess.PendingFollowup, sess.PendingAI, sess.Seed,
		sess.CreatedAt.UnixNano(), sess.LastActiveAt.UnixNano(), completed,
	}, nil
}

func saveSession(ctx context.Context, ex execer, query string, sess *model.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// CreateSession 插入新会话，ID 重复时返回 ErrExists。
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := saveSession(ctx, s.db, query, sess)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("%w: %s", ErrExists, sess.ID)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess      model.Session
		status    string
		topics    string
		preferred string
		created   int64
		active    int64
		completed sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.UserName, &status, &sess.Run, &topics, &preferred,
		&sess.QuestionIndex, &sess.FollowupCount, &sess.PendingFollowup, &sess.PendingAI, &sess.Seed,
		&created, &active, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topics), &sess.TopicIDs); err != nil {
		return nil, fmt.Errorf("unmarshal topic ids: %w", err)
	}
	if err := json.Unmarshal([]byte(preferred), &sess.PreferredTopics); err != nil {
		return nil, fmt.Errorf("unmarshal preferred topics: %w", err)
	}
	if len(sess.PreferredTopics) == 0 {
		sess.PreferredTopics = nil
	}
	sess.Status = model.SessionStatus(status)
	sess.CreatedAt = fromNanos(created)
	sess.LastActiveAt = fromNanos(active)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// ListSessions 按创建时间升序返回符合条件的会话。
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedFrom.UnixNano())
	}
	if !filter.CreatedTo.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.CreatedTo.UnixNano())
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

const entryColumns = `session_id, seq, run, ts, topic_id, kind, question, answer, depth, ai_generated`

func scanEntries(rows *sql.Rows) ([]model.LogEntry, error) {
	defer func() { _ = rows.Close() }()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e      model.LogEntry
			ts     int64
			kind   string
			answer sql.NullString
			depth  sql.NullInt64
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Run, &ts, &e.TopicID, &kind, &e.Question, &answer, &depth, &e.AIGenerated); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		e.Kind = model.EntryKind(kind)
		if answer.Valid {
			a := answer.String
			e.Answer = &a
		}
		if depth.Valid {
			d := int(depth.Int64)
			e.Depth = &d
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Entries 按 seq 返回会话的全部日志（含历史 Run）。
func (s *SQLiteStore) Entries(ctx context.Context, sessionID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM conversation_log WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return scanEntries(rows)
}

// EntriesBetween 返回所有会话中 from <= ts < to 的日志。
func (s *SQLiteStore) EntriesBetween(ctx context.Context, from, to time.Time) ([]model.LogEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM conversation_log WHERE ts >= ?`
	args := []any{from.UnixNano()}
	if from.IsZero() {
		args[0] = int64(0)
	}
	if !to.IsZero() {
		query += ` AND ts < ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY session_id, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return scanEntries(rows)
}

// Commit 在一个事务里追加日志并写入会话行，任何一步失败都整体回滚。
func (s *SQLiteStore) Commit(ctx context.Context, sess *model.Session, entries []model.LogEntry) ([]model.LogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_log WHERE session_id = ?`, sess.ID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("query max seq: %w", err)
	}

	out := make([]model.LogEntry, len(entries))
	for i, e := range entries {
		seq++
		e = cloneEntry(e)
		e.SessionID = sess.ID
		e.Seq = seq

		var answer, depth any
		if e.Answer != nil {
			answer = *e.Answer
		}
		if e.Depth != nil {
			depth = *e.Depth
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_log (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.SessionID, e.Seq, e.Run, e.Timestamp.UnixNano(), e.TopicID, string(e.Kind), e.Question, answer, depth, e.AIGenerated,
		); err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
		out[i] = e
	}

	if err := saveSession(ctx, tx, upsertSession, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// Rollback 在一个事务里删除最后 n 条日志并写入会话行。
func (s *SQLiteStore) Rollback(ctx context.Context, sess *model.Session, n int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_log WHERE session_id = ?`, sess.ID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("query max seq: %w", err)
	}
	if n < 0 || int64(n) > maxSeq {
		return fmt.Errorf("truncate %d of %d entries", n, maxSeq)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_log WHERE session_id = ? AND seq > ?`, sess.ID, maxSeq-int64(n))
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted != int64(n) {
		return fmt.Errorf("delete entries: removed %d, want %d", deleted, n)
	}

	if err := saveSession(ctx, tx, upsertSession, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
