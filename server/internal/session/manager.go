package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"interview-engine/server/internal/interview"
	"interview-engine/server/internal/metrics"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/report"
	"interview-engine/server/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Options 控制会话生命周期。
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxSessions 为 0 时不限制内存中的会话数。
	MaxSessions int
	// RestoreFromStore 允许按 ID 从存储回放仍处于 active 的会话。
	RestoreFromStore bool
	Logger           *log.Logger
	NewID            func() string
}

var validate = validator.New()

// CreateRequest 是创建会话的参数。
type CreateRequest struct {
	UserName string   `json:"user_name" validate:"max=50"`
	Topics   []string `json:"topics" validate:"omitempty,max=15,dive,required"`
}

// Manager 托管多个会话引擎。
//
// 锁约定：
// - mu 只保护 live 映射的增删查，不在持有 mu 时调用引擎或存储。
// - 每个会话一把锁，串行化该会话上的所有操作（包括追问生成这样的慢路径）。
// - 条目被淘汰或删除后标记 closed，拿到旧指针的调用方会得到 SessionNotFound。
type Manager struct {
	deps  interview.Deps
	store store.Store
	opts  Options
	now   func() time.Time
	log   *log.Logger

	mu    sync.RWMutex
	live  map[string]*entry
	group singleflight.Group

	sweeper *Sweeper
}

type entry struct {
	mu     sync.Mutex
	engine *interview.Engine
	closed bool
	// lastActive 供淘汰扫描无锁读取（UnixNano）。
	lastActive atomic.Int64
}

func newEntry(e *interview.Engine) *entry {
	ent := &entry{engine: e}
	ent.touch()
	return ent
}

func (e *entry) touch() { e.lastActive.Store(e.engine.LastActive().UnixNano()) }

func (e *entry) idleSince() time.Time { return time.Unix(0, e.lastActive.Load()) }

func NewManager(deps interview.Deps, opts Options) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if deps.Logger == nil {
		deps.Logger = opts.Logger
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	m := &Manager{
		deps:  deps,
		store: deps.Store,
		opts:  opts,
		now:   deps.Now,
		log:   opts.Logger,
		live:  make(map[string]*entry),
	}
	m.sweeper = NewSweeper(m, opts.SweepInterval)
	return m
}

// Start 启动后台淘汰扫描。IdleTimeout 为 0 时不启动。
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.IdleTimeout <= 0 {
		return nil
	}
	return m.sweeper.Start(ctx)
}

// Sweeper 暴露后台扫描器，便于查询运行状态。
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// Create 新建会话并返回开场白。
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Session, *model.Reply, error) {
	defer observe("create", time.Now())

	if err := validate.Struct(req); err != nil {
		return nil, nil, model.InvalidInputf("%v", err)
	}
	id := m.opts.NewID()
	eng, reply, err := interview.Start(ctx, m.deps, interview.StartOptions{
		ID:       id,
		UserName: req.UserName,
		Topics:   req.Topics,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.live[id] = newEntry(eng)
	n := len(m.live)
	m.mu.Unlock()
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(n))
	m.log.Printf("[Manager] session=%s created user=%q topics=%v", id, eng.Session().UserName, eng.Session().TopicIDs)

	if m.opts.MaxSessions > 0 && n > m.opts.MaxSessions {
		m.evictOldest(ctx, id)
	}
	return eng.Session(), reply, nil
}

// Get 返回会话快照。连续两次调用在没有变更时返回相同内容。
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	var out *model.Session
	err := m.read(ctx, id, func(e *interview.Engine) { out = e.Session() })
	return out, err
}

func (m *Manager) Messages(ctx context.Context, id string) ([]model.Message, error) {
	var out []model.Message
	err := m.read(ctx, id, func(e *interview.Engine) { out = e.Messages() })
	return out, err
}

func (m *Manager) Stats(ctx context.Context, id string) (model.SessionStats, error) {
	var out model.SessionStats
	err := m.read(ctx, id, func(e *interview.Engine) { out = e.Stats() })
	return out, err
}

func (m *Manager) SubmitAnswer(ctx context.Context, id, answer string) (*model.Reply, error) {
	return m.mutate(ctx, id, "answer", func(e *interview.Engine) (*model.Reply, error) {
		return e.Submit(ctx, answer)
	})
}

func (m *Manager) Skip(ctx context.Context, id string) (*model.Reply, error) {
	return m.mutate(ctx, id, "skip", func(e *interview.Engine) (*model.Reply, error) {
		return e.Skip(ctx)
	})
}

func (m *Manager) Undo(ctx context.Context, id string) (*model.Reply, error) {
	return m.mutate(ctx, id, "undo", func(e *interview.Engine) (*model.Reply, error) {
		return e.Undo(ctx)
	})
}

func (m *Manager) Restart(ctx context.Context, id string) (*model.Reply, error) {
	return m.mutate(ctx, id, "restart", func(e *interview.Engine) (*model.Reply, error) {
		return e.Restart(ctx)
	})
}

// Delete 把会话移出内存并把持久化状态置为 idle（已完成的保持 completed），日志保留用于导出。
// 持久化失败时会话保持原样。开启回放时，不在内存中的 active 会话先回放再删除。
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.RLock()
	ent, ok := m.live[id]
	m.mu.RUnlock()

	if !ok && m.opts.RestoreFromStore {
		// 与并发请求走同一条回放路径，拿到同一个条目后在会话锁内删除
		var err error
		if ent, err = m.lookup(ctx, id); err != nil {
			return err
		}
		ok = true
	}
	if !ok {
		rec, err := m.store.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrSessionNotFound) {
				return err
			}
			return m.storageErr("delete", id, err)
		}
		if rec.Status != model.StatusActive {
			return model.ErrSessionNotFound
		}
		return m.retire(ctx, rec, "deleted")
	}

	ent.mu.Lock()
	if ent.closed {
		ent.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if err := m.retire(ctx, ent.engine.Session(), "deleted"); err != nil {
		ent.mu.Unlock()
		return err
	}
	ent.closed = true
	ent.mu.Unlock()
	m.remove(id, ent)
	return nil
}

// ListActive 返回内存中的全部会话，按创建时间排序。
func (m *Manager) ListActive(ctx context.Context) []*model.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.live))
	for _, ent := range m.live {
		entries = append(entries, ent)
	}
	m.mu.RUnlock()

	out := make([]*model.Session, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		if !ent.closed {
			out = append(out, ent.engine.Session())
		}
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len 返回内存中的会话数。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Export 从存储导出会话，淘汰或删除后的会话同样可以导出。
func (m *Manager) Export(ctx context.Context, id string) (*report.Summary, error) {
	return report.Export(ctx, m.store, m.deps.Catalog, id, m.now())
}

// Import 把导出的报告写回存储，不加载进内存。
func (m *Manager) Import(ctx context.Context, s *report.Summary) (*model.Session, error) {
	sess, err := report.Import(ctx, m.store, s)
	if err != nil {
		return nil, err
	}
	m.log.Printf("[Manager] imported %s", s)
	return sess, nil
}

// Aggregate 汇总 [from, to) 内的会话与日志。
func (m *Manager) Aggregate(ctx context.Context, from, to time.Time) (*report.Overview, error) {
	return report.Aggregate(ctx, m.store, m.deps.Catalog, from, to)
}

// Close 停止后台扫描并关闭存储。内存中的会话保持 active，重启后可以回放。
func (m *Manager) Close() error {
	m.sweeper.Stop()
	return m.store.Close()
}

// Sweep 淘汰空闲超过 IdleTimeout 的会话，返回淘汰数量。
// 正在处理请求的会话（锁被占用）本轮跳过，不会等待。
func (m *Manager) Sweep(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	candidates := make(map[string]*entry)
	for id, ent := range m.live {
		if ent.idleSince().Before(cutoff) {
			candidates[id] = ent
		}
	}
	m.mu.RUnlock()

	removed := 0
	for id, ent := range candidates {
		if m.tryEvict(ctx, id, ent, "idle", func(e *interview.Engine) bool {
			return e.LastActive().Before(cutoff)
		}) {
			removed++
		}
	}
	return removed
}

// evictOldest 在超过容量时淘汰最久未活动的会话（keep 除外）。
func (m *Manager) evictOldest(ctx context.Context, keep string) {
	type candidate struct {
		id  string
		ent *entry
		at  time.Time
	}
	m.mu.RLock()
	list := make([]candidate, 0, len(m.live))
	for id, ent := range m.live {
		if id != keep {
			list = append(list, candidate{id, ent, ent.idleSince()})
		}
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })

	for _, c := range list {
		if m.tryEvict(ctx, c.id, c.ent, "capacity", nil) {
			return
		}
	}
	m.log.Printf("[Manager] over capacity but every session is busy")
}

// tryEvict 不等待会话锁；拿到锁后用 stillIdle 复查，先持久化 idle 状态再移出映射。
func (m *Manager) tryEvict(ctx context.Context, id string, ent *entry, reason string, stillIdle func(*interview.Engine) bool) bool {
	if !ent.mu.TryLock() {
		return false
	}
	if ent.closed || (stillIdle != nil && !stillIdle(ent.engine)) {
		ent.mu.Unlock()
		return false
	}
	if err := m.retire(ctx, ent.engine.Session(), reason); err != nil {
		ent.mu.Unlock()
		return false
	}
	ent.closed = true
	ent.mu.Unlock()
	m.remove(id, ent)
	return true
}

func (m *Manager) remove(id string, ent *entry) {
	m.mu.Lock()
	if m.live[id] == ent {
		delete(m.live, id)
	}
	n := len(m.live)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
}

// retire 把离开内存的会话持久化为 idle；已完成的会话不改状态。
func (m *Manager) retire(ctx context.Context, sess *model.Session, reason string) error {
	if sess.Status != model.StatusCompleted {
		sess.Status = model.StatusIdle
		if _, err := m.store.Commit(ctx, sess, nil); err != nil {
			return m.storageErr("retire", sess.ID, err)
		}
	}
	metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	m.log.Printf("[Manager] session=%s removed (%s)", sess.ID, reason)
	return nil
}

func (m *Manager) read(ctx context.Context, id string, fn func(*interview.Engine)) error {
	ent, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.closed {
		return model.ErrSessionNotFound
	}
	fn(ent.engine)
	return nil
}

func (m *Manager) mutate(ctx context.Context, id, op string, fn func(*interview.Engine) (*model.Reply, error)) (*model.Reply, error) {
	defer observe(op, time.Now())

	ent, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.closed {
		return nil, model.ErrSessionNotFound
	}
	reply, err := fn(ent.engine)
	ent.touch()
	return reply, err
}

// lookup 先查内存；未命中时按需从存储回放，同一 ID 的并发回放只执行一次。
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	ent, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return ent, nil
	}
	if !m.opts.RestoreFromStore {
		return nil, model.ErrSessionNotFound
	}

	// 回放不跟随发起者的取消，其余等待者不受影响；调用方取消时直接返回
	ch := m.group.DoChan(id, func() (any, error) {
		return m.rehydrate(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	}
}

func (m *Manager) rehydrate(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	ent, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return ent, nil
	}

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return nil, err
		}
		return nil, m.storageErr("restore", id, err)
	}
	if rec.Status != model.StatusActive {
		return nil, model.ErrSessionNotFound
	}
	logs, err := m.store.Entries(ctx, id)
	if err != nil {
		return nil, m.storageErr("restore", id, err)
	}
	eng, err := interview.Restore(m.deps, rec, logs)
	if err != nil {
		return nil, err
	}

	ent = newEntry(eng)
	m.mu.Lock()
	if existing, ok := m.live[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.live[id] = ent
	n := len(m.live)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	m.log.Printf("[Manager] session=%s restored from store run=%d entries=%d", id, rec.Run, len(logs))

	if m.opts.MaxSessions > 0 && n > m.opts.MaxSessions {
		m.evictOldest(ctx, id)
	}
	return ent, nil
}

func (m *Manager) storageErr(op, id string, err error) error {
	metrics.StorageFailures.WithLabelValues(op).Inc()
	m.log.Printf("[ALERT] [Manager] storage %s failed session=%s: %v", op, id, err)
	return &model.StorageError{Op: op, Err: err}
}

func observe(op string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
