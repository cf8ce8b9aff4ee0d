package interview

import (
	"testing"
	"time"

	"interview-engine/server/internal/model"
)

var limits = Limits{MinAnswerLength: 15, MaxAnswerLength: 200, MaxFollowups: 3, MaxDepthScore: 4}

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		count     int
		answerLen int
		depth     int
		want      Branch
	}{
		{"short answer asks to clarify", 0, 5, 0, BranchClarify},
		{"short answer ignores depth", 1, 14, 4, BranchClarify},
		{"shallow answer deepens", 0, 20, 3, BranchDeepen},
		{"deep answer advances", 0, 20, 4, BranchAdvance},
		{"max followups forces advance", 3, 5, 0, BranchAdvance},
		{"max followups forces advance when shallow", 3, 20, 1, BranchAdvance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Progress{FollowupCount: tc.count, TopicCount: 6}
			if got := Decide(p, tc.answerLen, tc.depth, limits); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

// TestApplyFollowupThenAdvance 验证追问与前进两条分支产生的进度和日志。
func TestApplyFollowupThenAdvance(t *testing.T) {
	topic := model.Topic{ID: "学校-德育", Questions: []string{"核心问题"}}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Progress{TopicCount: 2}

	p, entries := Apply(p, Submission{Answer: "太短", Depth: 0, Topic: topic, At: now}, &FollowUp{Question: "能具体说说吗？", AIGenerated: true})
	if p.QuestionIndex != 0 || p.FollowupCount != 1 || p.State() != model.StateAwaitingFollowup {
		t.Fatalf("expected to stay on question with one followup, got %+v", p)
	}
	if len(entries) != 2 || entries[0].Kind != model.KindCore || entries[1].Kind != model.KindPrompt {
		t.Fatalf("expected core answer + prompt, got %+v", entries)
	}
	if entries[0].Question != "核心问题" || !entries[1].AIGenerated || entries[1].Answer != nil {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	p, entries = Apply(p, Submission{Answer: "详细回答", Depth: 4, Topic: topic, At: now}, nil)
	if p.QuestionIndex != 1 || p.FollowupCount != 0 || p.PendingFollowup != "" {
		t.Fatalf("expected advance with reset count, got %+v", p)
	}
	if len(entries) != 1 || entries[0].Kind != model.KindFollowup || entries[0].Question != "能具体说说吗？" {
		t.Fatalf("expected one followup answer entry, got %+v", entries)
	}
	if !entries[0].AIGenerated || *entries[0].Depth != 4 {
		t.Fatalf("followup answer should inherit AI flag and carry depth: %+v", entries[0])
	}
}

func TestApplySkipInsideFollowup(t *testing.T) {
	topic := model.Topic{ID: "家庭-劳育", Questions: []string{"核心问题"}}
	p := Progress{TopicCount: 3, QuestionIndex: 1, FollowupCount: 2, PendingFollowup: "追问二"}

	next, entries := Apply(p, Submission{Skip: true, Topic: topic}, nil)
	if next.QuestionIndex != 2 || next.FollowupCount != 0 || next.PendingFollowup != "" {
		t.Fatalf("skip should advance the whole topic, got %+v", next)
	}
	if len(entries) != 1 || entries[0].Kind != model.KindSkip {
		t.Fatalf("expected a single skip entry, got %+v", entries)
	}
	if *entries[0].Answer != skipFollowupAnswer || entries[0].Question != "追问二" || entries[0].Depth != nil {
		t.Fatalf("unexpected skip entry: %+v", entries[0])
	}
}

// TestReplayMatchesApply 验证日志回放得到的进度与逐步 Apply 的结果一致。
func TestReplayMatchesApply(t *testing.T) {
	topics := []model.Topic{
		{ID: "a", Questions: []string{"qa"}},
		{ID: "b", Questions: []string{"qb"}},
		{ID: "c", Questions: []string{"qc"}},
	}
	p := Progress{TopicCount: len(topics)}
	var log []model.LogEntry
	step := func(sub Submission, fu *FollowUp) {
		sub.Topic = topics[p.QuestionIndex]
		var entries []model.LogEntry
		p, entries = Apply(p, sub, fu)
		log = append(log, entries...)

		got := Replay(len(topics), log)
		if got != p {
			t.Fatalf("replay mismatch after %d entries: want %+v got %+v", len(log), p, got)
		}
	}

	step(Submission{Answer: "x"}, &FollowUp{Question: "f1"})
	step(Submission{Answer: "y"}, &FollowUp{Question: "f2", AIGenerated: true})
	step(Submission{Answer: "z", Depth: 4}, nil)
	step(Submission{Skip: true}, nil)
	step(Submission{Answer: "w"}, &FollowUp{Question: "f3"})
	step(Submission{Skip: true}, nil)

	if !p.Completed() {
		t.Fatalf("expected completed, got %+v", p)
	}
}

func TestTailRound(t *testing.T) {
	answer := model.LogEntry{Kind: model.KindCore}
	followupAnswer := model.LogEntry{Kind: model.KindFollowup}
	prompt := model.LogEntry{Kind: model.KindPrompt}
	skip := model.LogEntry{Kind: model.KindSkip}

	cases := []struct {
		name    string
		entries []model.LogEntry
		want    int
	}{
		{"empty", nil, 0},
		{"answer with prompt", []model.LogEntry{answer, prompt}, 2},
		{"followup answer with prompt", []model.LogEntry{answer, prompt, followupAnswer, prompt}, 2},
		{"answer that advanced", []model.LogEntry{answer, prompt, followupAnswer}, 1},
		{"skip", []model.LogEntry{answer, skip}, 1},
	}
	for _, tc := range cases {
		if got := TailRound(tc.entries); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestUndoStackEvictsOldest(t *testing.T) {
	s := NewUndoStack(2)
	s.Push(Snapshot{Entries: 1})
	s.Push(Snapshot{Entries: 2})
	s.Push(Snapshot{Entries: 3})

	if s.Len() != 2 {
		t.Fatalf("expected capacity 2, got %d", s.Len())
	}
	snap, _ := s.Pop()
	if snap.Entries != 3 {
		t.Fatalf("expected newest snapshot first, got %d", snap.Entries)
	}
	snap, _ = s.Pop()
	if snap.Entries != 2 {
		t.Fatalf("expected oldest snapshot evicted, got %d", snap.Entries)
	}
	if _, ok := s.Pop(); ok {
		t.Fatalf("expected empty stack")
	}
}
