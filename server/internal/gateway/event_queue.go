package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// EventHandler 处理一条客户端命令。返回 error 只记录，队列继续运行。
type EventHandler func(ctx context.Context, event *ClientMessage) error

// EventQueue 为单个连接提供串行命令处理：同一连接上的命令按到达顺序执行，
// 读循环不会被慢操作（例如生成追问）阻塞。
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	timeout      time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *log.Logger

	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	failedEvents    int64
	droppedEvents   int64
}

type queuedEvent struct {
	msg       *ClientMessage
	timestamp time.Time
	resultCh  chan error // 同步调用时非空
}

// QueueStats 是队列的运行计数。
type QueueStats struct {
	SessionID string `json:"session_id"`
	Total     int64  `json:"total_events"`
	Processed int64  `json:"processed_events"`
	Failed    int64  `json:"failed_events"`
	Dropped   int64  `json:"dropped_events"`
	Pending   int    `json:"pending_events"`
	Capacity  int    `json:"queue_capacity"`
}

const (
	// 超过容量的命令直接拒绝
	defaultQueueCapacity = 32
	defaultEventTimeout  = 30 * time.Second
	slowEventThreshold   = 5 * time.Second
)

// NewEventQueue 创建事件队列。timeout 为单条命令的处理上限，0 使用默认值。
func NewEventQueue(sessionID string, handler EventHandler, timeout time.Duration, logger *log.Logger) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, defaultQueueCapacity),
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}

	eq.wg.Add(1)
	go eq.processLoop()
	return eq
}

// Enqueue 异步入队，队列满时返回 ErrQueueFull。
func (eq *EventQueue) Enqueue(msg *ClientMessage) error {
	if eq.ctx.Err() != nil {
		return ErrQueueClosed
	}

	event := &queuedEvent{msg: msg, timestamp: time.Now()}
	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Printf("[EventQueue] session=%s queue full, dropping type=%s", eq.sessionID, msg.Type)
		return ErrQueueFull
	}
}

// EnqueueSync 入队并等待处理结果。
func (eq *EventQueue) EnqueueSync(msg *ClientMessage, timeout time.Duration) error {
	if eq.ctx.Err() != nil {
		return ErrQueueClosed
	}
	if timeout <= 0 {
		timeout = eq.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	event := &queuedEvent{msg: msg, timestamp: time.Now(), resultCh: make(chan error, 1)}
	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
	case <-timer.C:
		return context.DeadlineExceeded
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case err := <-event.resultCh:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()
	for {
		select {
		case <-eq.ctx.Done():
			return
		case event := <-eq.eventChan:
			eq.processEvent(event)
		}
	}
}

func (eq *EventQueue) processEvent(event *queuedEvent) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, eq.timeout)
	err := eq.eventHandler(ctx, event.msg)
	cancel()

	elapsed := time.Since(start)
	if err != nil {
		eq.logger.Printf("[EventQueue] session=%s type=%s failed after %v: %v", eq.sessionID, event.msg.Type, elapsed, err)
	}
	if elapsed > slowEventThreshold {
		eq.logger.Printf("[EventQueue] session=%s slow event type=%s queue_latency=%v processing=%v",
			eq.sessionID, event.msg.Type, start.Sub(event.timestamp), elapsed)
	}

	eq.mu.Lock()
	eq.processedEvents++
	if err != nil {
		eq.failedEvents++
	}
	eq.mu.Unlock()

	if event.resultCh != nil {
		event.resultCh <- err
	}
}

// Close 停止处理并等待当前命令结束；未处理的命令被丢弃。
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()

	st := eq.Stats()
	eq.logger.Printf("[EventQueue] session=%s closed: total=%d processed=%d failed=%d dropped=%d pending=%d",
		eq.sessionID, st.Total, st.Processed, st.Failed, st.Dropped, st.Pending)
	return nil
}

func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return QueueStats{
		SessionID: eq.sessionID,
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Failed:    eq.failedEvents,
		Dropped:   eq.droppedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
