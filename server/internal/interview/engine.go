package interview

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/followup"
	"interview-engine/server/internal/metrics"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/scoring"
	"interview-engine/server/internal/store"
)

// Deps 是引擎的协作者，由 Manager 注入，所有会话共享。
type Deps struct {
	Catalog *domain.Catalog
	Scorer  scoring.Scorer
	// Presets 与 Generator 是两种追问源；任一为 nil 时跳过该源。
	Presets   followup.Provider
	Generator followup.Provider
	Store     store.Store

	Limits       Limits
	Questions    int
	UndoCapacity int

	Now    func() time.Time
	Seed   func() int64
	Logger *log.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Seed == nil {
		d.Seed = func() int64 { return time.Now().UnixNano() }
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Scorer == nil {
		d.Scorer = scoring.NewKeywordScorer(nil, d.Limits.MaxDepthScore)
	}
	return d
}

// Engine 持有一个会话的状态机。
//
// 约定：
// - 先写存储、后改内存：Store 提交失败时引擎状态保持不变。
// - 不是并发安全的，由 Manager 的会话锁串行化调用。
// - entries 只缓存当前 Run 的日志，和存储尾部一一对应。
type Engine struct {
	deps Deps

	sess      *model.Session
	topics    []model.Topic
	entries   []model.LogEntry
	messages  []model.Message
	startedAt time.Time

	undo *UndoStack
	// restored 表示引擎由存储回放得到，撤销栈耗尽后可以走日志截断。
	restored bool
}

// StartOptions 是新会话的参数。
type StartOptions struct {
	ID       string
	UserName string
	// Topics 是希望优先出现的话题 ID。
	Topics []string
	// Seed 为 0 时由 Deps.Seed 生成。
	Seed int64
}

// Start 抽取话题、创建会话记录并返回开场白。
func Start(ctx context.Context, deps Deps, opts StartOptions) (*Engine, *model.Reply, error) {
	deps = deps.withDefaults()
	if opts.ID == "" {
		return nil, nil, model.InvalidInputf("session id is required")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = deps.Seed()
	}
	n := deps.Questions
	if len(opts.Topics) > n {
		n = len(opts.Topics)
	}
	topics, err := deps.Catalog.Select(n, opts.Topics, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, nil, err
	}

	now := deps.Now()
	sess := &model.Session{
		ID:              opts.ID,
		UserName:        strings.TrimSpace(opts.UserName),
		Status:          model.StatusActive,
		TopicIDs:        topicIDs(topics),
		PreferredTopics: append([]string(nil), opts.Topics...),
		Seed:            seed,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
	e := &Engine{
		deps:      deps,
		sess:      sess,
		topics:    topics,
		startedAt: now,
		undo:      NewUndoStack(deps.UndoCapacity),
	}
	if err := deps.Store.CreateSession(ctx, sess); err != nil {
		return nil, nil, e.storageErr("create", err)
	}
	e.messages = openingMessages(sess.UserName, topics, now)
	return e, e.reply(e.messageTexts(e.messages)...), nil
}

// Restore 由持久化记录和日志重建引擎。进度以日志回放结果为准。
func Restore(deps Deps, sess *model.Session, entries []model.LogEntry) (*Engine, error) {
	deps = deps.withDefaults()
	topics, err := deps.Catalog.Resolve(sess.TopicIDs)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sess.ID, err)
	}
	current := CurrentRun(entries, sess.Run)
	p := Replay(len(topics), current)

	rec := sess.Clone()
	if rec.QuestionIndex != p.QuestionIndex || rec.FollowupCount != p.FollowupCount {
		deps.Logger.Printf("[Engine] session=%s record drifted from log (index %d/%d, followups %d/%d), using log",
			rec.ID, rec.QuestionIndex, p.QuestionIndex, rec.FollowupCount, p.FollowupCount)
	}
	p.applyTo(rec, rec.LastActiveAt)

	startedAt := rec.CreatedAt
	if rec.Run > 0 {
		startedAt = rec.LastActiveAt
		if len(current) > 0 {
			startedAt = current[0].Timestamp
		}
	}
	return &Engine{
		deps:      deps,
		sess:      rec,
		topics:    topics,
		entries:   current,
		messages:  BuildMessages(rec.UserName, topics, current, startedAt),
		startedAt: startedAt,
		undo:      NewUndoStack(deps.UndoCapacity),
		restored:  true,
	}, nil
}

// Submit 处理一次作答：评分、决策、按需取追问，然后原子提交。
func (e *Engine) Submit(ctx context.Context, answer string) (*model.Reply, error) {
	p := progressOf(e.sess)
	if p.Completed() {
		return nil, model.ErrSessionCompleted
	}
	answer = strings.TrimSpace(answer)
	n := utf8.RuneCountInString(answer)
	if n == 0 {
		return nil, model.InvalidInputf("answer is empty")
	}
	if limit := e.deps.Limits.MaxAnswerLength; limit > 0 && n > limit {
		return nil, model.InvalidInputf("answer has %d characters, limit is %d", n, limit)
	}

	topic := e.topics[p.QuestionIndex]
	history := e.topicHistory(topic.ID)
	depth := e.deps.Scorer.Score(answer, priorAnswers(history))

	branch := Decide(p, n, depth, e.deps.Limits)
	var fu *FollowUp
	if branch != BranchAdvance {
		fu = e.obtainFollowup(ctx, branch, followup.Request{
			Topic:         topic,
			QuestionIndex: p.QuestionIndex,
			TopicCount:    p.TopicCount,
			Answer:        answer,
			History:       history,
		})
		if fu == nil {
			branch = BranchAdvance
		}
	}
	metrics.Answers.WithLabelValues(string(branch)).Inc()

	now := e.deps.Now()
	next, entries := Apply(p, Submission{Answer: answer, Depth: depth, Topic: topic, Run: e.sess.Run, At: now}, fu)
	return e.commit(ctx, next, entries, now, answer)
}

// Skip 跳过当前话题（包括正在进行的追问），不评分也不取追问。
func (e *Engine) Skip(ctx context.Context) (*model.Reply, error) {
	p := progressOf(e.sess)
	if p.Completed() {
		return nil, model.ErrSessionCompleted
	}
	now := e.deps.Now()
	next, entries := Apply(p, Submission{Skip: true, Topic: e.topics[p.QuestionIndex], Run: e.sess.Run, At: now}, nil)
	return e.commit(ctx, next, entries, now, skipUserMessage)
}

func (e *Engine) commit(ctx context.Context, next Progress, entries []model.LogEntry, now time.Time, userText string) (*model.Reply, error) {
	updated := e.sess.Clone()
	next.applyTo(updated, now)
	updated.LastActiveAt = now

	committed, err := e.deps.Store.Commit(ctx, updated, entries)
	if err != nil {
		return nil, e.storageErr("commit", err)
	}

	e.undo.Push(Snapshot{Session: e.sess, Messages: slices.Clone(e.messages), Entries: len(entries)})
	e.sess = updated
	e.entries = append(e.entries, committed...)

	assistant := currentPrompt(next, e.topics)
	e.messages = append(e.messages,
		model.Message{Role: "user", Content: userText, Timestamp: now},
		model.Message{Role: "assistant", Content: assistant, Timestamp: now},
	)
	if next.Completed() {
		e.deps.Logger.Printf("[Engine] session=%s run=%d completed", e.sess.ID, e.sess.Run)
	}
	return e.reply(assistant), nil
}

// Undo 撤销最近一轮。优先弹出内存快照；回放得到的引擎在快照耗尽后截断日志尾部。
// 两条路径都先在事务里改存储，成功后才改内存。
func (e *Engine) Undo(ctx context.Context) (*model.Reply, error) {
	now := e.deps.Now()

	if snap, ok := e.undo.Peek(); ok {
		restored := snap.Session.Clone()
		restored.LastActiveAt = now
		if err := e.deps.Store.Rollback(ctx, restored, snap.Entries); err != nil {
			return nil, e.storageErr("rollback", err)
		}
		e.undo.Pop()
		e.sess = restored
		e.entries = e.entries[:len(e.entries)-snap.Entries]
		e.messages = snap.Messages
		metrics.Undos.WithLabelValues("memory").Inc()
		return e.reply(currentPrompt(progressOf(e.sess), e.topics)), nil
	}

	if !e.restored {
		return nil, model.ErrNoHistoryToUndo
	}
	n := TailRound(e.entries)
	if n == 0 {
		return nil, model.ErrNoHistoryToUndo
	}
	keep := len(e.entries) - n
	remaining := e.entries[:keep:keep]
	p := Replay(len(e.topics), remaining)

	updated := e.sess.Clone()
	p.applyTo(updated, now)
	updated.LastActiveAt = now
	if err := e.deps.Store.Rollback(ctx, updated, n); err != nil {
		return nil, e.storageErr("rollback", err)
	}
	e.sess = updated
	e.entries = remaining
	e.messages = BuildMessages(updated.UserName, e.topics, remaining, e.startedAt)
	metrics.Undos.WithLabelValues("durable").Inc()
	return e.reply(currentPrompt(p, e.topics)), nil
}

// Restart 用新的种子重新抽题，开始新一轮（Run+1），创建时指定的话题仍然优先。旧日志保留在同一会话 ID 下。
func (e *Engine) Restart(ctx context.Context) (*model.Reply, error) {
	seed := e.deps.Seed()
	topics, err := e.deps.Catalog.Select(len(e.sess.TopicIDs), e.sess.PreferredTopics, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}

	now := e.deps.Now()
	updated := e.sess.Clone()
	updated.Run++
	updated.TopicIDs = topicIDs(topics)
	updated.Seed = seed
	Progress{TopicCount: len(topics)}.applyTo(updated, now)
	updated.LastActiveAt = now
	if _, err := e.deps.Store.Commit(ctx, updated, nil); err != nil {
		return nil, e.storageErr("restart", err)
	}

	e.sess = updated
	e.topics = topics
	e.entries = nil
	e.startedAt = now
	e.messages = openingMessages(updated.UserName, topics, now)
	e.undo.Clear()
	e.restored = false
	e.deps.Logger.Printf("[Engine] session=%s restarted run=%d seed=%d", updated.ID, updated.Run, seed)
	return e.reply(e.messageTexts(e.messages)...), nil
}

// Session 返回会话记录的副本。
func (e *Engine) Session() *model.Session { return e.sess.Clone() }

// Messages 返回实时对话视图的副本。
func (e *Engine) Messages() []model.Message { return slices.Clone(e.messages) }

// Entries 返回当前 Run 的日志副本。
func (e *Engine) Entries() []model.LogEntry { return slices.Clone(e.entries) }

func (e *Engine) Topics() []model.Topic { return slices.Clone(e.topics) }

// LastActive 返回最后活动时间，供淘汰判断。
func (e *Engine) LastActive() time.Time { return e.sess.LastActiveAt }

// Stats 汇总当前 Run 的计数。
func (e *Engine) Stats() model.SessionStats {
	st := Tally(e.entries, e.deps.Catalog)
	st.SessionID = e.sess.ID
	st.Run = e.sess.Run
	st.QuestionIndex = e.sess.QuestionIndex
	st.TopicCount = len(e.topics)
	st.UndoDepth = e.undo.Len()
	st.LastActiveAt = e.sess.LastActiveAt
	return st
}

func (e *Engine) obtainFollowup(ctx context.Context, branch Branch, req followup.Request) *FollowUp {
	sources := []struct {
		name string
		p    followup.Provider
	}{{"preset", e.deps.Presets}, {"generated", e.deps.Generator}}
	if branch == BranchDeepen {
		sources[0], sources[1] = sources[1], sources[0]
	}

	for i, src := range sources {
		if src.p == nil {
			continue
		}
		res, err := src.p.FollowUp(ctx, req)
		if err != nil {
			metrics.Followups.WithLabelValues(src.name, "error").Inc()
			e.deps.Logger.Printf("[Engine] session=%s topic=%s %s followup failed: %v", e.sess.ID, req.Topic.ID, src.name, err)
			continue
		}
		metrics.Followups.WithLabelValues(src.name, "ok").Inc()
		if i > 0 {
			metrics.FollowupFallbacks.WithLabelValues("secondary").Inc()
		}
		return &FollowUp{Question: res.Question, AIGenerated: res.AIGenerated}
	}
	metrics.FollowupFallbacks.WithLabelValues("advance").Inc()
	return nil
}

func (e *Engine) topicHistory(topicID string) []model.LogEntry {
	var out []model.LogEntry
	for _, ent := range e.entries {
		if ent.TopicID == topicID {
			out = append(out, ent)
		}
	}
	return out
}

func (e *Engine) storageErr(op string, err error) error {
	metrics.StorageFailures.WithLabelValues(op).Inc()
	e.deps.Logger.Printf("[ALERT] [Engine] storage %s failed session=%s: %v", op, e.sess.ID, err)
	return &model.StorageError{Op: op, Err: err}
}

func (e *Engine) reply(messages ...string) *model.Reply {
	return &model.Reply{
		SessionID:     e.sess.ID,
		State:         e.sess.State(),
		Messages:      messages,
		QuestionIndex: e.sess.QuestionIndex,
		TopicCount:    len(e.topics),
		FollowupCount: e.sess.FollowupCount,
		Finished:      e.sess.Status == model.StatusCompleted,
	}
}

func (e *Engine) messageTexts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func priorAnswers(history []model.LogEntry) []string {
	var out []string
	for _, e := range history {
		if e.Kind.IsAnswer() && e.Answer != nil {
			out = append(out, *e.Answer)
		}
	}
	return out
}

func topicIDs(topics []model.Topic) []string {
	ids := make([]string, len(topics))
	for i, t := range topics {
		ids[i] = t.ID
	}
	return ids
}
