package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"interview-engine/server/internal/model"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func newSession(id string) *model.Session {
	return &model.Session{
		ID:           id,
		UserName:     "访谈者",
		Status:       model.StatusActive,
		TopicIDs:     []string{"学校-德育", "家庭-智育"},
		Seed:         42,
		CreatedAt:    t0,
		LastActiveAt: t0,
	}
}

func answered(kind model.EntryKind, answer string, depth int) model.LogEntry {
	return model.LogEntry{
		Timestamp: t0,
		TopicID:   "学校-德育",
		Kind:      kind,
		Question:  "q",
		Answer:    &answer,
		Depth:     &depth,
	}
}

func prompt(q string) model.LogEntry {
	return model.LogEntry{Timestamp: t0, TopicID: "学校-德育", Kind: model.KindPrompt, Question: q, AIGenerated: true}
}

// 两种实现共用的契约测试。
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CommitAssignsGaplessSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession("s1")
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("create session: %v", err)
		}

		out, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, "a", 1), prompt("p")})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if out[0].Seq != 1 || out[1].Seq != 2 {
			t.Fatalf("expected seq 1,2 got %d,%d", out[0].Seq, out[1].Seq)
		}
		if out[0].SessionID != "s1" {
			t.Fatalf("expected session id filled, got %q", out[0].SessionID)
		}

		out, err = s.Commit(ctx, sess, []model.LogEntry{answered(model.KindFollowup, "b", 2)})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if out[0].Seq != 3 {
			t.Fatalf("expected seq 3, got %d", out[0].Seq)
		}

		entries, err := s.Entries(ctx, "s1")
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[1].Answer != nil || entries[1].Depth != nil {
			t.Fatalf("expected prompt entry without answer/depth")
		}
		if entries[2].Answer == nil || *entries[2].Answer != "b" || *entries[2].Depth != 2 {
			t.Fatalf("unexpected followup entry: %+v", entries[2])
		}
		if !entries[0].Timestamp.Equal(t0) {
			t.Fatalf("timestamp mismatch: %v", entries[0].Timestamp)
		}
	})

	t.Run("RollbackTruncatesTailAndReusesSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession("s1")
		if _, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, "a", 1), prompt("p")}); err != nil {
			t.Fatalf("commit: %v", err)
		}

		sess.QuestionIndex = 0
		sess.FollowupCount = 0
		if err := s.Rollback(ctx, sess, 2); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		entries, _ := s.Entries(ctx, "s1")
		if len(entries) != 0 {
			t.Fatalf("expected empty log after rollback, got %d", len(entries))
		}

		out, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, "again", 4)})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if out[0].Seq != 1 {
			t.Fatalf("expected seq 1 after truncation, got %d", out[0].Seq)
		}

		if err := s.Rollback(ctx, sess, 5); err == nil {
			t.Fatalf("expected error when truncating more than stored")
		}
		entries, _ = s.Entries(ctx, "s1")
		if len(entries) != 1 {
			t.Fatalf("failed rollback must not change log, got %d entries", len(entries))
		}
	})

	t.Run("SessionRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := newSession("s1")
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateSession(ctx, sess); !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}

		done := t0.Add(time.Minute)
		sess.QuestionIndex = 2
		sess.Status = model.StatusCompleted
		sess.CompletedAt = &done
		sess.PendingFollowup = ""
		sess.Run = 1
		sess.PreferredTopics = []string{"家庭-智育"}
		if _, err := s.Commit(ctx, sess, nil); err != nil {
			t.Fatalf("commit: %v", err)
		}

		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.QuestionIndex != 2 || got.Status != model.StatusCompleted || got.Run != 1 || got.Seed != 42 {
			t.Fatalf("unexpected session: %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Fatalf("completed_at mismatch: %v", got.CompletedAt)
		}
		if len(got.TopicIDs) != 2 || got.TopicIDs[1] != "家庭-智育" {
			t.Fatalf("topic ids mismatch: %v", got.TopicIDs)
		}
		if len(got.PreferredTopics) != 1 || got.PreferredTopics[0] != "家庭-智育" {
			t.Fatalf("preferred topics mismatch: %v", got.PreferredTopics)
		}

		if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, model.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ListAndRangeQueries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := newSession("a")
		b := newSession("b")
		b.CreatedAt = t0.Add(24 * time.Hour)
		b.Status = model.StatusIdle
		for _, sess := range []*model.Session{a, b} {
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		active, err := s.ListSessions(ctx, SessionFilter{Status: model.StatusActive})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(active) != 1 || active[0].ID != "a" {
			t.Fatalf("unexpected active list: %+v", active)
		}
		all, _ := s.ListSessions(ctx, SessionFilter{})
		if len(all) != 2 || all[0].ID != "a" {
			t.Fatalf("expected both sessions oldest first, got %+v", all)
		}
		day2, _ := s.ListSessions(ctx, SessionFilter{CreatedFrom: t0.Add(time.Hour)})
		if len(day2) != 1 || day2[0].ID != "b" {
			t.Fatalf("unexpected range list: %+v", day2)
		}

		late := answered(model.KindCore, "late", 3)
		late.Timestamp = t0.Add(2 * time.Hour)
		if _, err := s.Commit(ctx, a, []model.LogEntry{answered(model.KindCore, "early", 1), late}); err != nil {
			t.Fatalf("commit: %v", err)
		}
		got, err := s.EntriesBetween(ctx, t0.Add(time.Hour), time.Time{})
		if err != nil {
			t.Fatalf("entries between: %v", err)
		}
		if len(got) != 1 || *got[0].Answer != "late" {
			t.Fatalf("unexpected range entries: %+v", got)
		}
		got, _ = s.EntriesBetween(ctx, time.Time{}, t0.Add(time.Hour))
		if len(got) != 1 || *got[0].Answer != "early" {
			t.Fatalf("unexpected bounded range entries: %+v", got)
		}
	})

	t.Run("ConcurrentCommitsStayGapless", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for _, id := range []string{"x", "y"} {
			id := id
			sess := newSession(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					if _, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, id, i)}); err != nil {
						t.Errorf("commit %s: %v", id, err)
						return
					}
				}
			}()
		}
		wg.Wait()

		for _, id := range []string{"x", "y"} {
			entries, _ := s.Entries(ctx, id)
			if len(entries) != 20 {
				t.Fatalf("expected 20 entries for %s, got %d", id, len(entries))
			}
			for i, e := range entries {
				if e.Seq != int64(i+1) || *e.Answer != id {
					t.Fatalf("entry %d of %s: seq=%d answer=%s", i, id, e.Seq, *e.Answer)
				}
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "interview.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestMemoryStoreReturnsCopies 验证返回的数据是副本，防止外部修改影响内部状态。
func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := newSession("s1")
	if _, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, "hi", 1)}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, _ := s.Entries(ctx, "s1")
	*entries[0].Answer = "mutated"
	entries[0].Kind = model.KindSkip
	got, _ := s.GetSession(ctx, "s1")
	got.TopicIDs[0] = "mutated"

	again, _ := s.Entries(ctx, "s1")
	if *again[0].Answer != "hi" || again[0].Kind != model.KindCore {
		t.Fatalf("expected internal entries unchanged, got %+v", again[0])
	}
	gotAgain, _ := s.GetSession(ctx, "s1")
	if gotAgain.TopicIDs[0] != "学校-德育" {
		t.Fatalf("expected internal session unchanged")
	}
}

// TestSQLiteStorePersistsAcrossReopen 验证重新打开数据库后数据仍在。
func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interview.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Commit(ctx, newSession("s1"), []model.LogEntry{answered(model.KindCore, "a", 2)}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()

	entries, err := s.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || *entries[0].Depth != 2 {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
}

// TestSQLiteStoreFailedTransactionLeavesNoPartialRows 用触发器让事务中途失败，日志与会话行都不应被部分写入。
func TestSQLiteStoreFailedTransactionLeavesNoPartialRows(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "interview.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	_, err = s.db.ExecContext(ctx, `
	CREATE TRIGGER reject_entry BEFORE INSERT ON conversation_log
	WHEN NEW.question = 'reject'
	BEGIN SELECT RAISE(ABORT, 'entry rejected'); END;
	CREATE TRIGGER reject_session BEFORE UPDATE ON sessions
	WHEN NEW.user_name = 'reject'
	BEGIN SELECT RAISE(ABORT, 'session rejected'); END;`)
	if err != nil {
		t.Fatalf("create triggers: %v", err)
	}

	sess := newSession("s1")
	if _, err := s.Commit(ctx, sess, []model.LogEntry{answered(model.KindCore, "a", 1), prompt("p")}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	assertUnchanged := func(step string) {
		t.Helper()
		entries, err := s.Entries(ctx, "s1")
		if err != nil {
			t.Fatalf("%s: entries: %v", step, err)
		}
		if len(entries) != 2 || entries[1].Seq != 2 {
			t.Fatalf("%s: expected the 2 original entries, got %+v", step, entries)
		}
		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("%s: get: %v", step, err)
		}
		if got.QuestionIndex != 0 || got.UserName != "访谈者" {
			t.Fatalf("%s: session row changed: %+v", step, got)
		}
	}

	// 第一条插入成功，第二条被拒绝
	next := *sess
	next.QuestionIndex = 1
	if _, err := s.Commit(ctx, &next, []model.LogEntry{answered(model.KindFollowup, "b", 2), prompt("reject")}); err == nil {
		t.Fatalf("expected commit to fail")
	}
	assertUnchanged("commit insert")

	// 日志插入成功，会话行更新被拒绝
	rejected := *sess
	rejected.UserName = "reject"
	rejected.QuestionIndex = 1
	if _, err := s.Commit(ctx, &rejected, []model.LogEntry{answered(model.KindFollowup, "b", 2)}); err == nil {
		t.Fatalf("expected commit to fail")
	}
	assertUnchanged("commit session")

	// 删除成功，会话行更新被拒绝
	if err := s.Rollback(ctx, &rejected, 2); err == nil {
		t.Fatalf("expected rollback to fail")
	}
	assertUnchanged("rollback")

	if err := s.Rollback(ctx, sess, 2); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	entries, _ := s.Entries(ctx, "s1")
	if len(entries) != 0 {
		t.Fatalf("expected empty log, got %d", len(entries))
	}
}
