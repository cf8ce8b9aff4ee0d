package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"interview-engine/server/internal/model"

	"github.com/gorilla/websocket"
)

// Dispatcher 执行流式通道上的命令，由会话管理器实现。
type Dispatcher interface {
	Messages(ctx context.Context, id string) ([]model.Message, error)
	SubmitAnswer(ctx context.Context, id, answer string) (*model.Reply, error)
	Skip(ctx context.Context, id string) (*model.Reply, error)
	Undo(ctx context.Context, id string) (*model.Reply, error)
	Restart(ctx context.Context, id string) (*model.Reply, error)
}

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	EventTimeout time.Duration
}

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	// 记住最近多少个 event_id 用于去重
	recentEventWindow = 64
)

// Gateway 维护一个客户端 WebSocket 连接：
// 读循环解析命令并交给 EventQueue 串行执行，结果按序号写回客户端。
type Gateway struct {
	sessionID  string
	dispatcher Dispatcher
	config     Config
	logger     *log.Logger

	clientConn     *websocket.Conn
	clientConnLock sync.Mutex

	queue *EventQueue

	closeOnce sync.Once
	closeChan chan struct{}

	seqCounter int64
	seqLock    sync.Mutex

	// 最近处理过的 event_id，重复的命令只回一条错误
	recent     map[string]struct{}
	recentList []string
	recentLock sync.Mutex
}

func New(sessionID string, conn *websocket.Conn, d Dispatcher, cfg Config, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	g := &Gateway{
		sessionID:  sessionID,
		dispatcher: d,
		config:     cfg,
		logger:     logger,
		clientConn: conn,
		closeChan:  make(chan struct{}),
		recent:     make(map[string]struct{}),
	}
	g.queue = NewEventQueue(sessionID, g.dispatch, cfg.EventTimeout, logger)
	return g
}

// Start 下发当前对话并启动读循环与心跳。
func (g *Gateway) Start(ctx context.Context) error {
	msgs, err := g.dispatcher.Messages(ctx, g.sessionID)
	if err != nil {
		g.Close()
		return fmt.Errorf("load history: %w", err)
	}
	if err := g.sendToClient(&ServerMessage{Type: EventTypeHistory, Messages: msgs}); err != nil {
		g.Close()
		return err
	}

	g.clientConnLock.Lock()
	conn := g.clientConn
	g.clientConnLock.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s: connection closed before start", g.sessionID)
	}

	go g.clientReadLoop(conn)
	go g.pingLoop()

	g.logger.Printf("[Gateway] started for session %s", g.sessionID)
	return nil
}

// Done 在连接关闭后返回。
func (g *Gateway) Done() <-chan struct{} { return g.closeChan }

func (g *Gateway) SessionID() string { return g.sessionID }

// clientReadLoop 只读，使用启动时取得的连接；Close 会把 clientConn 置空。
func (g *Gateway) clientReadLoop(conn *websocket.Conn) {
	defer g.Close()

	for {
		select {
		case <-g.closeChan:
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Printf("[Gateway] session=%s client read error: %v", g.sessionID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			g.sendError("", model.CodeInvalidInput, "only text frames are accepted")
			continue
		}

		if err := g.handleClientEvent(data); err != nil {
			// 发送错误给客户端，但不断开连接
			g.logger.Printf("[Gateway] session=%s handle client event: %v", g.sessionID, err)
			g.sendError("", model.Code(err), err.Error())
		}
	}
}

func (g *Gateway) handleClientEvent(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.InvalidInputf("malformed frame: %v", err)
	}
	if !msg.Type.IsCommand() {
		return model.InvalidInputf("unknown event type %q", msg.Type)
	}
	if msg.ClientTS.IsZero() {
		msg.ClientTS = time.Now()
	}
	if g.seen(msg.EventID) {
		g.logger.Printf("[Gateway] session=%s duplicate event_id=%s ignored", g.sessionID, msg.EventID)
		return nil
	}

	if err := g.queue.Enqueue(&msg); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return fmt.Errorf("too many pending commands: %w", err)
		}
		return err
	}
	return nil
}

// seen 记录 event_id，已出现过时返回 true。空 id 不参与去重。
func (g *Gateway) seen(id string) bool {
	if id == "" {
		return false
	}
	g.recentLock.Lock()
	defer g.recentLock.Unlock()

	if _, ok := g.recent[id]; ok {
		return true
	}
	g.recent[id] = struct{}{}
	g.recentList = append(g.recentList, id)
	if len(g.recentList) > recentEventWindow {
		delete(g.recent, g.recentList[0])
		g.recentList = g.recentList[1:]
	}
	return false
}

// dispatch 在 EventQueue 的处理协程里执行一条命令。
func (g *Gateway) dispatch(ctx context.Context, msg *ClientMessage) error {
	var (
		reply *model.Reply
		err   error
	)
	switch msg.Type {
	case EventTypeAnswer:
		reply, err = g.dispatcher.SubmitAnswer(ctx, g.sessionID, msg.Text)
	case EventTypeSkip:
		reply, err = g.dispatcher.Skip(ctx, g.sessionID)
	case EventTypeUndo:
		reply, err = g.dispatcher.Undo(ctx, g.sessionID)
	case EventTypeRestart:
		reply, err = g.dispatcher.Restart(ctx, g.sessionID)
	default:
		err = model.InvalidInputf("unknown event type %q", msg.Type)
	}

	if err != nil {
		g.sendError(msg.EventID, model.Code(err), publicMessage(err))
		return err
	}
	return g.sendToClient(&ServerMessage{Type: EventTypeReply, EventID: msg.EventID, Reply: reply})
}

// publicMessage 避免把存储层细节透传给客户端。
func publicMessage(err error) string {
	if errors.Is(err, model.ErrStorage) {
		return "storage unavailable, please retry"
	}
	return err.Error()
}

func (g *Gateway) sendToClient(msg *ServerMessage) error {
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return errors.New("client connection is closed")
	}
	g.clientConn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	if err := g.clientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (g *Gateway) sendError(eventID, code, errMsg string) error {
	return g.sendToClient(&ServerMessage{
		Type:    EventTypeError,
		EventID: eventID,
		Code:    code,
		Error:   errMsg,
	})
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.clientConnLock.Lock()
			if g.clientConn != nil {
				if err := g.clientConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.config.WriteTimeout)); err != nil {
					g.logger.Printf("[Gateway] session=%s ping failed: %v", g.sessionID, err)
				}
			}
			g.clientConnLock.Unlock()
		}
	}
}

// Close 关闭连接并停止命令队列，可重复调用。
func (g *Gateway) Close() error {
	var closeErr error
	g.closeOnce.Do(func() {
		g.logger.Printf("[Gateway] closing session %s", g.sessionID)
		close(g.closeChan)
		closeErr = g.closeClientConn()
		g.queue.Close()
	})
	return closeErr
}

func (g *Gateway) closeClientConn() error {
	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return nil
	}
	g.clientConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := g.clientConn.Close()
	g.clientConn = nil
	return err
}
