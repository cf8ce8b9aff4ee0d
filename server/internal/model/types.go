package model

import "time"

// Scene 是话题所属的生活场景。
type Scene string

const (
	SceneSchool    Scene = "学校"
	SceneFamily    Scene = "家庭"
	SceneCommunity Scene = "社区"
)

// EduType 是话题考察的五育维度。
type EduType string

const (
	EduMoral     EduType = "德育"
	EduIntellect EduType = "智育"
	EduPhysical  EduType = "体育"
	EduAesthetic EduType = "美育"
	EduLabor     EduType = "劳育"
)

// Topic 定义了一个访谈话题。加载后不可修改。
type Topic struct {
	ID        string   `json:"id"`
	Scene     Scene    `json:"scene"`
	EduType   EduType  `json:"edu_type"`
	Intro     string   `json:"intro"`
	Questions []string `json:"questions"`
	Followups []string `json:"followups"`
}

// CoreQuestion 返回话题的主问题。
func (t Topic) CoreQuestion() string {
	if len(t.Questions) == 0 {
		return ""
	}
	return t.Questions[0]
}

// SessionStatus 是会话的持久化状态。
type SessionStatus string

const (
	// StatusIdle 表示会话已离开内存（淘汰或删除），日志仍保留用于导出。
	StatusIdle      SessionStatus = "idle"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// EngineState 是访谈状态机的状态。
type EngineState string

const (
	StateAwaitingCore     EngineState = "awaiting_core_answer"
	StateAwaitingFollowup EngineState = "awaiting_followup_answer"
	StateCompleted        EngineState = "completed"
)

// Session 保存一次访谈的全部进度信息，同时也是 sessions 表的一行。
type Session struct {
	// 唯一标识一个会话。
	ID       string `json:"session_id"`
	UserName string `json:"user_name"`

	Status SessionStatus `json:"status"`
	// Run 是重新开始的代数，每次 restart 自增，日志按 Run 区分当前视图。
	Run int `json:"run"`

	// 本轮选中的话题，长度固定。
	TopicIDs []string `json:"topic_ids"`
	// PreferredTopics 是创建时指定的优先话题，重新开始时仍然优先抽取。
	PreferredTopics []string `json:"preferred_topics,omitempty"`
	QuestionIndex   int      `json:"question_index"`
	FollowupCount int      `json:"followup_count"`

	// 等待回答的追问（仅在 AwaitingFollowupAnswer 时非空）。
	PendingFollowup string `json:"pending_followup,omitempty"`
	PendingAI       bool   `json:"pending_ai,omitempty"`

	// Seed 决定本轮话题抽样，便于复现。
	Seed int64 `json:"seed"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// State 由进度字段推导状态机状态。
func (s *Session) State() EngineState {
	switch {
	case s.QuestionIndex >= len(s.TopicIDs):
		return StateCompleted
	case s.PendingFollowup != "":
		return StateAwaitingFollowup
	default:
		return StateAwaitingCore
	}
}

// Clone 返回深拷贝，调用方可以随意修改。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.TopicIDs = append([]string(nil), s.TopicIDs...)
	out.PreferredTopics = append([]string(nil), s.PreferredTopics...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// EntryKind 标记日志条目的问题类型。
type EntryKind string

const (
	KindCore     EntryKind = "core"
	KindFollowup EntryKind = "followup"
	KindPrompt   EntryKind = "prompt"
	KindSkip     EntryKind = "skip"
)

// Label 返回导出报告里使用的中文类型名。
func (k EntryKind) Label() string {
	switch k {
	case KindCore:
		return "核心问题"
	case KindFollowup:
		return "追问回答"
	case KindPrompt:
		return "追问"
	case KindSkip:
		return "跳过"
	default:
		return string(k)
	}
}

// IsAnswer 判断条目是否记录了一次用户作答。
func (k EntryKind) IsAnswer() bool {
	return k == KindCore || k == KindFollowup
}

// LogEntry 是对话日志中的一条记录。只追加，撤销时截断尾部。
type LogEntry struct {
	SessionID string `json:"session_id"`
	// Seq 在单个会话内从 1 开始，严格递增且无空洞。
	Seq       int64     `json:"seq"`
	Run       int       `json:"run"`
	Timestamp time.Time `json:"timestamp"`
	TopicID   string    `json:"topic"`
	Kind      EntryKind `json:"question_type"`
	Question  string    `json:"question"`
	// Answer/Depth 在 prompt 条目上为空，直到用户作答（作答会写入新条目）。
	Answer      *string `json:"answer"`
	Depth       *int    `json:"depth_score"`
	AIGenerated bool    `json:"is_ai_generated"`
}

// Message 是会话的实时对话视图中的一条消息。
type Message struct {
	Role      string    `json:"role"` // "assistant" | "user"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply 是一次变更操作返回给调用方的结果。
type Reply struct {
	SessionID string      `json:"session_id"`
	State     EngineState `json:"state"`
	// Messages 是本次操作新产生的助手消息。
	Messages      []string `json:"messages"`
	QuestionIndex int      `json:"question_index"`
	TopicCount    int      `json:"topic_count"`
	FollowupCount int      `json:"followup_count"`
	Finished      bool     `json:"is_finished"`
}

// SessionStats 是单个会话的聚合计数。
type SessionStats struct {
	SessionID       string         `json:"session_id"`
	Run             int            `json:"run"`
	QuestionIndex   int            `json:"question_index"`
	TopicCount      int            `json:"topic_count"`
	TotalEntries    int            `json:"total_logs"`
	Answers         int            `json:"answers"`
	Skips           int            `json:"skips"`
	PresetFollowups int            `json:"preset_followups"`
	AIFollowups     int            `json:"ai_followups"`
	AverageDepth    float64        `json:"average_depth"`
	SceneCounts     map[string]int `json:"scene_distribution"`
	EduCounts       map[string]int `json:"edu_distribution"`
	UndoDepth       int            `json:"undo_depth"`
	LastActiveAt    time.Time      `json:"last_active_at"`
}
