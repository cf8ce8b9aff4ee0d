package followup

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"interview-engine/server/internal/llm"
	"interview-engine/server/internal/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("interview-engine/followup")

const systemPrompt = "你是一位专业的访谈记者，正在进行大学生五育发展主题访谈。" +
	"你的追问要紧扣访谈主题，专业而有深度。只输出追问问题本身，不要有任何前缀、解释或多余内容。"

var toneByEdu = map[model.EduType]string{
	model.EduMoral:     "正式而有深度，关注价值观和道德判断。",
	model.EduIntellect: "理性而专业，关注学习过程和思维发展。",
	model.EduPhysical:  "务实而积极，关注身体素质和运动习惯。",
	model.EduAesthetic: "细腻而有感染力，关注审美体验和艺术感悟。",
	model.EduLabor:     "朴实而真诚，关注实践能力和劳动价值。",
}

var answerPrefixes = []string{"追问：", "追问:", "问：", "问:", "**追问**：", "**追问**:"}

const (
	minQuestionRunes = 5
	maxQuestionRunes = 200
)

// GeneratedProvider 调用 LLM 生成追问。
//
// 每次调用受 Timeout 约束；限流器饱和、超时、空回复都视为失败，
// 返回 model.ErrFollowupUnavailable，由引擎兜底。
type GeneratedProvider struct {
	Client  llm.Client
	Timeout time.Duration
	Limiter *rate.Limiter
}

// NewGeneratedProvider 创建 LLM 追问源；rps 为 0 时不限流。
func NewGeneratedProvider(client llm.Client, timeout time.Duration, rps float64, burst int) *GeneratedProvider {
	p := &GeneratedProvider{Client: client, Timeout: timeout}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return p
}

func (p *GeneratedProvider) FollowUp(ctx context.Context, req Request) (Result, error) {
	if p == nil || p.Client == nil {
		return Result{}, fmt.Errorf("%w: no llm client configured", model.ErrFollowupUnavailable)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "followup.generate", trace.WithAttributes(
		attribute.String("topic", req.Topic.ID),
		attribute.Int("history", len(req.History)),
	))
	defer span.End()

	question, err := p.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "followup generation failed")
		return Result{}, fmt.Errorf("%w: %v", model.ErrFollowupUnavailable, err)
	}
	return Result{Question: question, AIGenerated: true}, nil
}

func (p *GeneratedProvider) generate(ctx context.Context, req Request) (string, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	raw, err := p.Client.Complete(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: BuildPrompt(req)},
	})
	if err != nil {
		return "", err
	}
	question := CleanQuestion(raw)
	n := utf8.RuneCountInString(question)
	if n < minQuestionRunes || n > maxQuestionRunes {
		return "", fmt.Errorf("generated question has %d runes", n)
	}
	return question, nil
}

// BuildPrompt 拼出追问提示词：主题、核心问题、本话题对话历史与最新回答。
func BuildPrompt(req Request) string {
	topic := req.Topic
	var b strings.Builder
	fmt.Fprintf(&b, "你正在对大学生进行关于“五育并举”主题的深度访谈。\n\n")
	fmt.Fprintf(&b, "【访谈主题】%s（%s场景）\n", topic.EduType, topic.Scene)
	fmt.Fprintf(&b, "【核心问题】%s\n", topic.CoreQuestion())

	var history []string
	for _, e := range req.History {
		if e.Answer == nil {
			continue
		}
		switch e.Kind {
		case model.KindCore:
			history = append(history, fmt.Sprintf("【核心问题】%s\n【回答】%s", e.Question, *e.Answer))
		case model.KindFollowup:
			history = append(history, fmt.Sprintf("【追问%d】%s\n【回答】%s", len(history), e.Question, *e.Answer))
		}
	}
	if len(history) > 0 {
		fmt.Fprintf(&b, "\n【对话历史】\n%s\n", strings.Join(history, "\n\n"))
	}

	fmt.Fprintf(&b, "\n【受访者最新回答】\n%s\n\n", strings.TrimSpace(req.Answer))
	fmt.Fprintf(&b, "【追问要求】\n围绕核心问题，紧扣“%s”主题，从与%s的关联、原因与动机、影响与改变中选择最合适的一个角度追问。\n", topic.EduType, topic.EduType)
	if tone, ok := toneByEdu[topic.EduType]; ok {
		fmt.Fprintf(&b, "\n【语气风格】\n%s\n", tone)
	}
	b.WriteString("\n【重要规范】\n- 参考对话历史，不要重复已经问过的内容\n- 每次只问一个具体问题\n\n直接输出追问问题。")
	return b.String()
}

// CleanQuestion 去掉模型常见的前缀与引号包裹。
func CleanQuestion(raw string) string {
	q := strings.TrimSpace(raw)
	for _, prefix := range answerPrefixes {
		if strings.HasPrefix(q, prefix) {
			q = strings.TrimSpace(strings.TrimPrefix(q, prefix))
		}
	}
	for _, pair := range [][2]string{{"\"", "\""}, {"“", "”"}} {
		if strings.HasPrefix(q, pair[0]) && strings.HasSuffix(q, pair[1]) && len(q) > len(pair[0])+len(pair[1]) {
			q = strings.TrimSpace(q[len(pair[0]) : len(q)-len(pair[1])])
		}
	}
	return q
}
