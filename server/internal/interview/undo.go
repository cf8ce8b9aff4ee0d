package interview

import "interview-engine/server/internal/model"

// Snapshot 是一轮开始前的引擎状态。
type Snapshot struct {
	Session  *model.Session
	Messages []model.Message
	// Entries 是这一轮追加的日志条数，撤销时从尾部截掉。
	Entries int
}

// UndoStack 是有界的快照栈，超出容量时丢弃最旧的一条。
// 只是快速路径的缓存，进程重启后丢失；日志才是权威来源。
type UndoStack struct {
	capacity int
	items    []Snapshot
}

func NewUndoStack(capacity int) *UndoStack {
	if capacity <= 0 {
		capacity = 10
	}
	return &UndoStack{capacity: capacity}
}

func (s *UndoStack) Push(snap Snapshot) {
	if len(s.items) == s.capacity {
		copy(s.items, s.items[1:])
		s.items = s.items[:len(s.items)-1]
	}
	s.items = append(s.items, snap)
}

// Peek 返回栈顶快照但不弹出。
func (s *UndoStack) Peek() (Snapshot, bool) {
	if len(s.items) == 0 {
		return Snapshot{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *UndoStack) Pop() (Snapshot, bool) {
	snap, ok := s.Peek()
	if ok {
		s.items = s.items[:len(s.items)-1]
	}
	return snap, ok
}

func (s *UndoStack) Len() int { return len(s.items) }

func (s *UndoStack) Clear() { s.items = nil }
