package followup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"interview-engine/server/internal/llm"
	"interview-engine/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopic() model.Topic {
	return model.Topic{
		ID:        "学校-体育",
		Scene:     model.SceneSchool,
		EduType:   model.EduPhysical,
		Questions: []string{"请讲讲一次在学校参加体育活动的经历。"},
		Followups: []string{"最困难的时刻是什么？", "对你的运动习惯有什么影响？"},
	}
}

func strPtr(s string) *string { return &s }

func TestPresetProviderSkipsAskedQuestions(t *testing.T) {
	p := PresetProvider{}
	topic := testTopic()

	res, err := p.FollowUp(context.Background(), Request{Topic: topic})
	require.NoError(t, err)
	assert.Equal(t, "最困难的时刻是什么？", res.Question)
	assert.False(t, res.AIGenerated)

	history := []model.LogEntry{{Kind: model.KindPrompt, Question: "最困难的时刻是什么？"}}
	res, err = p.FollowUp(context.Background(), Request{Topic: topic, History: history})
	require.NoError(t, err)
	assert.Equal(t, "对你的运动习惯有什么影响？", res.Question)

	history = append(history, model.LogEntry{Kind: model.KindPrompt, Question: "对你的运动习惯有什么影响？"})
	_, err = p.FollowUp(context.Background(), Request{Topic: topic, History: history})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestGeneratedProviderReturnsCleanedQuestion(t *testing.T) {
	client := llm.NewMockClient("追问：“那次比赛后你的训练方式有什么变化？”")
	p := NewGeneratedProvider(client, time.Second, 0, 0)

	res, err := p.FollowUp(context.Background(), Request{
		Topic:  testTopic(),
		Answer: "我参加了接力赛",
		History: []model.LogEntry{
			{Kind: model.KindCore, Question: "核心", Answer: strPtr("第一次回答")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "那次比赛后你的训练方式有什么变化？", res.Question)
	assert.True(t, res.AIGenerated)

	require.Len(t, client.LastMessages, 2)
	assert.Equal(t, "system", client.LastMessages[0].Role)
	assert.Contains(t, client.LastMessages[1].Content, "第一次回答")
	assert.Contains(t, client.LastMessages[1].Content, "我参加了接力赛")
}

// TestGeneratedProviderTimeout 验证超时按失败处理，且不会一直挂起。
func TestGeneratedProviderTimeout(t *testing.T) {
	client := llm.NewMockClient("这次经历对你有什么影响？")
	client.Delay = time.Second
	p := NewGeneratedProvider(client, 20*time.Millisecond, 0, 0)

	start := time.Now()
	_, err := p.FollowUp(context.Background(), Request{Topic: testTopic(), Answer: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFollowupUnavailable))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGeneratedProviderFailures(t *testing.T) {
	failing := llm.NewMockClient("")
	failing.ShouldFail = true
	_, err := NewGeneratedProvider(failing, time.Second, 0, 0).FollowUp(context.Background(), Request{Topic: testTopic()})
	assert.ErrorIs(t, err, model.ErrFollowupUnavailable)

	tooShort := llm.NewMockClient("嗯？")
	_, err = NewGeneratedProvider(tooShort, time.Second, 0, 0).FollowUp(context.Background(), Request{Topic: testTopic()})
	assert.ErrorIs(t, err, model.ErrFollowupUnavailable)

	var nilProvider *GeneratedProvider
	_, err = nilProvider.FollowUp(context.Background(), Request{Topic: testTopic()})
	assert.ErrorIs(t, err, model.ErrFollowupUnavailable)
}

// TestGeneratedProviderRateLimited 验证限流器饱和时直接失败而不是等待超过时限。
func TestGeneratedProviderRateLimited(t *testing.T) {
	client := llm.NewMockClient("这次经历对你有什么影响？")
	p := NewGeneratedProvider(client, 50*time.Millisecond, 0.01, 1)

	_, err := p.FollowUp(context.Background(), Request{Topic: testTopic()})
	require.NoError(t, err)

	_, err = p.FollowUp(context.Background(), Request{Topic: testTopic()})
	assert.ErrorIs(t, err, model.ErrFollowupUnavailable)
	assert.Equal(t, 1, client.Calls())
}

func TestBuildPromptIncludesToneAndHistory(t *testing.T) {
	prompt := BuildPrompt(Request{
		Topic:  testTopic(),
		Answer: "  跑步  ",
		History: []model.LogEntry{
			{Kind: model.KindCore, Question: "核心问题文本", Answer: strPtr("回答一")},
			{Kind: model.KindPrompt, Question: "追问文本"},
			{Kind: model.KindFollowup, Question: "追问文本", Answer: strPtr("回答二")},
		},
	})
	assert.Contains(t, prompt, "体育")
	assert.Contains(t, prompt, "务实而积极")
	assert.Contains(t, prompt, "【追问1】追问文本")
	assert.True(t, strings.Contains(prompt, "【受访者最新回答】\n跑步\n"))
}
