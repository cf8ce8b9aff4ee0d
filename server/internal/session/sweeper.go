package session

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval 是空闲扫描的默认间隔。
const DefaultSweepInterval = time.Minute

// Sweeper 定期淘汰空闲会话。
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Start 启动后台 goroutine；重复调用无副作用。
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(sweepCtx)
	return nil
}

// Stop 停止扫描并等待当前一轮结束。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.manager.log.Printf("[Sweeper] stopping")
			return
		case <-ticker.C:
			start := time.Now()
			if removed := s.manager.Sweep(ctx); removed > 0 {
				s.manager.log.Printf("[Sweeper] evicted %d idle sessions in %v, %d live", removed, time.Since(start), s.manager.Len())
			}
		}
	}
}
