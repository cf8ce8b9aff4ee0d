package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"interview-engine/server/internal/config"
	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/followup"
	"interview-engine/server/internal/interview"
	"interview-engine/server/internal/llm"
	"interview-engine/server/internal/scoring"
	"interview-engine/server/internal/session"
	"interview-engine/server/internal/store"
)

// app 是各个子命令共用的运行时组件。
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	catalog *domain.Catalog
	store   store.Store
	manager *session.Manager

	logFile io.Closer
}

// loadApp 读取配置并装配组件。
func loadApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	out := io.Writer(os.Stderr)
	if cfg.Logging.Output != "" {
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		out = f
		log.SetOutput(f)
	}
	a.logger = log.New(out, "", log.LstdFlags)

	catalog, err := domain.LoadTopics(cfg.Paths.Topics)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load topics: %w", err)
	}
	a.catalog = catalog

	st, err := openStore(cfg.Storage)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		a.close()
		return nil, err
	}

	deps := interview.Deps{
		Catalog: catalog,
		Scorer:  scoring.NewKeywordScorer(cfg.Interview.DepthKeywords, cfg.Interview.MaxDepthScore),
		Presets: followup.PresetProvider{},
		Store:   st,
		Limits: interview.Limits{
			MinAnswerLength: cfg.Interview.MinAnswerLength,
			MaxAnswerLength: cfg.Interview.MaxAnswerLength,
			MaxFollowups:    cfg.Interview.MaxFollowups,
			MaxDepthScore:   cfg.Interview.MaxDepthScore,
		},
		Questions:    cfg.Interview.TotalQuestions,
		UndoCapacity: cfg.Interview.UndoCapacity,
		Logger:       a.logger,
	}
	if client != nil {
		deps.Generator = followup.NewGeneratedProvider(client, cfg.Interview.FollowupTimeout, cfg.LLM.RateLimit, cfg.LLM.Burst)
	}

	a.manager = session.NewManager(deps, session.Options{
		IdleTimeout:      cfg.Session.IdleTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
		MaxSessions:      cfg.Session.MaxSessions,
		RestoreFromStore: cfg.Session.RestoreFromStore,
		Logger:           a.logger,
	})
	return a, nil
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// durable 表示会话写入了 SQLite，进程退出后仍在。
func (a *app) durable() bool { return a.cfg.Storage.Driver == "sqlite" }

// resumable 表示退出后还能按 ID 回放继续。
func (a *app) resumable() bool { return a.durable() && a.cfg.Session.RestoreFromStore }

// close 停止后台扫描并关闭存储与日志文件。
func (a *app) close() {
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			a.logger.Printf("[CLI] close manager: %v", err)
		}
	} else if a.store != nil {
		a.store.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
