package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient 用于测试与本地联调的 LLM 客户端
type MockClient struct {
	mu sync.Mutex

	// 控制 LLM 的行为
	Response   string
	ShouldFail bool
	// Delay 模拟网络延迟，会响应 ctx 取消。
	Delay time.Duration

	CallCount    int
	LastMessages []Message
}

// NewMockClient 创建 Mock LLM 客户端
func NewMockClient(response string) *MockClient {
	return &MockClient{Response: response}
}

// Complete 模拟 LLM Complete 方法
func (m *MockClient) Complete(ctx context.Context, messages []Message) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastMessages = append([]Message(nil), messages...)
	delay, fail, resp := m.Delay, m.ShouldFail, m.Response
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", context.DeadlineExceeded
	}
	return resp, nil
}

// Calls 返回调用次数（并发安全）。
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
