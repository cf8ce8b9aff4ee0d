package interview

import (
	"fmt"
	"time"

	"interview-engine/server/internal/model"
)

const (
	CompletionMessage = "访谈已结束，感谢您的参与！"

	skipAnswer         = "用户选择跳过"
	skipFollowupAnswer = "用户选择跳过追问"
	skipUserMessage    = "（跳过）"
)

// Limits 是决策函数使用的阈值。
type Limits struct {
	MinAnswerLength int
	MaxAnswerLength int
	MaxFollowups    int
	MaxDepthScore   int
}

// Branch 是一次作答后的走向。
type Branch string

const (
	BranchAdvance Branch = "advance"
	// BranchClarify 回答过短，追问以澄清。
	BranchClarify Branch = "clarify"
	// BranchDeepen 回答不够深入，追问以深挖。
	BranchDeepen Branch = "deepen"
)

// Progress 是状态机的可变部分，可以由日志完整回放得到。
type Progress struct {
	QuestionIndex   int
	FollowupCount   int
	TopicCount      int
	PendingFollowup string
	PendingAI       bool
}

func progressOf(s *model.Session) Progress {
	return Progress{
		QuestionIndex:   s.QuestionIndex,
		FollowupCount:   s.FollowupCount,
		TopicCount:      len(s.TopicIDs),
		PendingFollowup: s.PendingFollowup,
		PendingAI:       s.PendingAI,
	}
}

// applyTo 把进度写回会话记录，并维护 status/completed_at。
func (p Progress) applyTo(s *model.Session, now time.Time) {
	s.QuestionIndex = p.QuestionIndex
	s.FollowupCount = p.FollowupCount
	s.PendingFollowup = p.PendingFollowup
	s.PendingAI = p.PendingAI
	if p.Completed() {
		s.Status = model.StatusCompleted
		if s.CompletedAt == nil {
			t := now
			s.CompletedAt = &t
		}
		return
	}
	s.Status = model.StatusActive
	s.CompletedAt = nil
}

func (p Progress) Completed() bool { return p.QuestionIndex >= p.TopicCount }

func (p Progress) State() model.EngineState {
	switch {
	case p.Completed():
		return model.StateCompleted
	case p.PendingFollowup != "":
		return model.StateAwaitingFollowup
	default:
		return model.StateAwaitingCore
	}
}

func (p Progress) advance() Progress {
	p.QuestionIndex++
	p.FollowupCount = 0
	p.PendingFollowup = ""
	p.PendingAI = false
	return p
}

// Decide 是纯函数：根据回答长度（字符数）与深度决定追问还是前进。
// 追问次数达到上限后一律前进。
func Decide(p Progress, answerLen, depth int, lim Limits) Branch {
	if p.FollowupCount >= lim.MaxFollowups {
		return BranchAdvance
	}
	if answerLen < lim.MinAnswerLength {
		return BranchClarify
	}
	if depth < lim.MaxDepthScore {
		return BranchDeepen
	}
	return BranchAdvance
}

// Submission 描述一次用户输入（作答或跳过）。
type Submission struct {
	Skip   bool
	Answer string
	Depth  int
	// Topic 是当前问题所属的话题。
	Topic model.Topic
	Run   int
	At    time.Time
}

// FollowUp 是追问源产出的问题；nil 表示本轮前进。
type FollowUp struct {
	Question    string
	AIGenerated bool
}

// Apply 是纯函数：给定当前进度、输入与追问结果，返回新进度与本轮要追加的日志。
// 调用方保证 p 未完成，且仅在 Decide 给出追问分支时传入非空 fu。
func Apply(p Progress, sub Submission, fu *FollowUp) (Progress, []model.LogEntry) {
	question := sub.Topic.CoreQuestion()
	if p.PendingFollowup != "" {
		question = p.PendingFollowup
	}
	entry := model.LogEntry{
		Run:         sub.Run,
		Timestamp:   sub.At,
		TopicID:     sub.Topic.ID,
		Question:    question,
		AIGenerated: p.PendingAI,
	}

	if sub.Skip {
		answer := skipAnswer
		if p.PendingFollowup != "" {
			answer = skipFollowupAnswer
		}
		entry.Kind = model.KindSkip
		entry.Answer = &answer
		return p.advance(), []model.LogEntry{entry}
	}

	answer, depth := sub.Answer, sub.Depth
	entry.Kind = model.KindCore
	if p.PendingFollowup != "" {
		entry.Kind = model.KindFollowup
	}
	entry.Answer = &answer
	entry.Depth = &depth

	if fu == nil {
		return p.advance(), []model.LogEntry{entry}
	}

	next := p
	next.FollowupCount++
	next.PendingFollowup = fu.Question
	next.PendingAI = fu.AIGenerated
	prompt := model.LogEntry{
		Run:         sub.Run,
		Timestamp:   sub.At,
		TopicID:     sub.Topic.ID,
		Kind:        model.KindPrompt,
		Question:    fu.Question,
		AIGenerated: fu.AIGenerated,
	}
	return next, []model.LogEntry{entry, prompt}
}

// Replay 从本轮日志（按 Seq 排序）重建进度，不信任记录里的计数器。
// 作答条目后紧跟 prompt 表示追问，否则表示前进。
func Replay(topicCount int, entries []model.LogEntry) Progress {
	p := Progress{TopicCount: topicCount}
	for i, e := range entries {
		switch e.Kind {
		case model.KindPrompt:
			p.FollowupCount++
			p.PendingFollowup = e.Question
			p.PendingAI = e.AIGenerated
		case model.KindCore, model.KindFollowup:
			if i+1 < len(entries) && entries[i+1].Kind == model.KindPrompt {
				continue
			}
			p = p.advance()
		case model.KindSkip:
			p = p.advance()
		}
	}
	return p
}

// TailRound 返回日志尾部最后一轮的条目数：作答+追问为 2，单独作答或跳过为 1，空日志为 0。
func TailRound(entries []model.LogEntry) int {
	n := len(entries)
	if n == 0 {
		return 0
	}
	if entries[n-1].Kind == model.KindPrompt && n >= 2 && entries[n-2].Kind.IsAnswer() {
		return 2
	}
	return 1
}

// CurrentRun 过滤出属于第 run 轮的日志。
func CurrentRun(entries []model.LogEntry, run int) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Run == run {
			out = append(out, e)
		}
	}
	return out
}

// Greeting 是访谈开始时的欢迎语。
func Greeting(userName string, topicCount int) string {
	if userName == "" {
		userName = "同学"
	}
	return fmt.Sprintf("你好，%s！欢迎参加本次访谈。\n\n接下来我会向你提出 %d 个问题，话题涉及你在学校、家庭和社区中的经历与感受。请尽量结合具体经历作答。", userName, topicCount)
}

// CoreQuestionText 返回带编号的核心问题文本。
func CoreQuestionText(index int, topics []model.Topic) string {
	t := topics[index]
	return fmt.Sprintf("【第%d/%d题】%s:\n%s", index+1, len(topics), t.ID, t.CoreQuestion())
}

// nextPrompt 返回前进后助手要说的话：下一个核心问题，或结束语。
func nextPrompt(p Progress, topics []model.Topic) string {
	if p.QuestionIndex >= len(topics) {
		return CompletionMessage
	}
	return CoreQuestionText(p.QuestionIndex, topics)
}

// currentPrompt 返回当前等待回答的问题文本。
func currentPrompt(p Progress, topics []model.Topic) string {
	if p.PendingFollowup != "" {
		return p.PendingFollowup
	}
	return nextPrompt(p, topics)
}

func openingMessages(userName string, topics []model.Topic, at time.Time) []model.Message {
	msgs := []model.Message{{Role: "assistant", Content: Greeting(userName, len(topics)), Timestamp: at}}
	if len(topics) > 0 {
		msgs = append(msgs, model.Message{Role: "assistant", Content: CoreQuestionText(0, topics), Timestamp: at})
	}
	return msgs
}

// BuildMessages 由本轮日志重建实时对话视图，与引擎逐步追加的结果一致。
func BuildMessages(userName string, topics []model.Topic, entries []model.LogEntry, startedAt time.Time) []model.Message {
	msgs := openingMessages(userName, topics, startedAt)
	p := Progress{TopicCount: len(topics)}
	for i, e := range entries {
		switch e.Kind {
		case model.KindPrompt:
			p.FollowupCount++
			p.PendingFollowup = e.Question
			msgs = append(msgs, model.Message{Role: "assistant", Content: e.Question, Timestamp: e.Timestamp})
		case model.KindCore, model.KindFollowup:
			msgs = append(msgs, model.Message{Role: "user", Content: deref(e.Answer), Timestamp: e.Timestamp})
			if i+1 < len(entries) && entries[i+1].Kind == model.KindPrompt {
				continue
			}
			p = p.advance()
			msgs = append(msgs, model.Message{Role: "assistant", Content: nextPrompt(p, topics), Timestamp: e.Timestamp})
		case model.KindSkip:
			msgs = append(msgs, model.Message{Role: "user", Content: skipUserMessage, Timestamp: e.Timestamp})
			p = p.advance()
			msgs = append(msgs, model.Message{Role: "assistant", Content: nextPrompt(p, topics), Timestamp: e.Timestamp})
		}
	}
	return msgs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
