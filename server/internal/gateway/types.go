package gateway

import (
	"time"

	"interview-engine/server/internal/model"
)

// EventType 定义了流式通道上的事件类型
type EventType string

const (
	// 客户端 → 服务端
	EventTypeAnswer  EventType = "answer"  // 提交回答
	EventTypeSkip    EventType = "skip"    // 跳过当前话题
	EventTypeUndo    EventType = "undo"    // 撤销上一步
	EventTypeRestart EventType = "restart" // 重新开始

	// 服务端 → 客户端
	EventTypeHistory EventType = "history" // 连接建立时下发的完整对话
	EventTypeReply   EventType = "reply"   // 变更操作的结果
	EventTypeError   EventType = "error"
)

// IsCommand 报告事件是否是客户端可发送的操作。
func (t EventType) IsCommand() bool {
	switch t {
	case EventTypeAnswer, EventTypeSkip, EventTypeUndo, EventTypeRestart:
		return true
	}
	return false
}

// ClientMessage 客户端发送的消息（WebSocket文本帧）
type ClientMessage struct {
	Type     EventType `json:"type"`
	EventID  string    `json:"event_id,omitempty"` // 幂等去重
	Text     string    `json:"text,omitempty"`     // 回答内容，仅 answer 使用
	ClientTS time.Time `json:"client_ts,omitempty"`
}

// ServerMessage 服务端发送给客户端的消息
type ServerMessage struct {
	Type     EventType       `json:"type"`
	Seq      int64           `json:"seq,omitempty"`      // 服务端序号
	EventID  string          `json:"event_id,omitempty"` // 回显触发它的客户端事件
	Reply    *model.Reply    `json:"reply,omitempty"`
	Messages []model.Message `json:"messages,omitempty"`
	ServerTS time.Time       `json:"server_ts"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}
