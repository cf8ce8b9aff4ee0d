package followup

import (
	"context"
	"errors"

	"interview-engine/server/internal/model"
)

// ErrExhausted 表示该话题的预设追问已经全部问过。
var ErrExhausted = errors.New("preset followups exhausted")

// Request 是一次追问请求的上下文。
type Request struct {
	Topic model.Topic
	// QuestionIndex/TopicCount 仅用于拼提示词。
	QuestionIndex int
	TopicCount    int
	// Answer 是刚提交的回答。
	Answer string
	// History 是当前话题在本轮中的全部日志（不含刚提交的回答），按 Seq 排序。
	History []model.LogEntry
}

// Result 是产出的追问。
type Result struct {
	Question    string
	AIGenerated bool
}

// Provider 产出一条追问。失败时返回错误，由引擎决定兜底方式。
type Provider interface {
	FollowUp(ctx context.Context, req Request) (Result, error)
}

// PresetProvider 按顺序返回话题中尚未问过的预设追问。
type PresetProvider struct{}

func (PresetProvider) FollowUp(_ context.Context, req Request) (Result, error) {
	asked := make(map[string]bool)
	for _, e := range req.History {
		if e.Kind == model.KindPrompt {
			asked[e.Question] = true
		}
	}
	for _, q := range req.Topic.Followups {
		if !asked[q] {
			return Result{Question: q}, nil
		}
	}
	return Result{}, ErrExhausted
}
