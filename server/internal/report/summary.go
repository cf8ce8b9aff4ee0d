package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/interview"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/store"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Summary 是一次访谈的导出格式，包含会话信息、统计和完整日志（含历史 Run）。
//
// 日志只记录回答和追问，不单独记录核心问题；当前 Run 每个话题的核心问题按
// topic_ids 的顺序列在 questions 中，未作答的题目也在其中。
type Summary struct {
	SessionID  string              `json:"session_id" validate:"required"`
	UserName   string              `json:"user_name"`
	Status     model.SessionStatus `json:"status" validate:"omitempty,oneof=idle active completed"`
	Run        int                 `json:"run" validate:"gte=0"`
	TopicIDs   []string            `json:"topic_ids" validate:"required,min=1"`
	Preferred  []string            `json:"preferred_topics,omitempty"`
	Seed       int64               `json:"seed"`
	StartTime  time.Time           `json:"start_time"`
	EndTime    *time.Time          `json:"end_time,omitempty"`
	ExportedAt time.Time           `json:"exported_at"`
	Questions  []CoreQuestion      `json:"questions,omitempty"`

	Statistics      Statistics       `json:"statistics"`
	ConversationLog []model.LogEntry `json:"conversation_log" validate:"dive"`
}

// CoreQuestion 是某个话题在本轮中提出的核心问题。
type CoreQuestion struct {
	Index    int    `json:"index"`
	TopicID  string `json:"topic_id"`
	Question string `json:"question"`
	Answered bool   `json:"answered"`
}

// Statistics 是导出报告中的统计部分。
type Statistics struct {
	TotalLogs            int            `json:"total_logs"`
	Answers              int            `json:"answers"`
	Skips                int            `json:"skips"`
	AverageDepth         float64        `json:"average_depth"`
	SceneDistribution    map[string]int `json:"scene_distribution"`
	EduDistribution      map[string]int `json:"edu_distribution"`
	FollowupDistribution map[string]int `json:"followup_distribution"`
}

func statisticsOf(entries []model.LogEntry, catalog *domain.Catalog) Statistics {
	st := interview.Tally(entries, catalog)
	return Statistics{
		TotalLogs:         st.TotalEntries,
		Answers:           st.Answers,
		Skips:             st.Skips,
		AverageDepth:      st.AverageDepth,
		SceneDistribution: st.SceneCounts,
		EduDistribution:   st.EduCounts,
		FollowupDistribution: map[string]int{
			"preset": st.PresetFollowups,
			"ai":     st.AIFollowups,
		},
	}
}

// BuildSummary 由会话记录和日志生成导出报告。
func BuildSummary(sess *model.Session, entries []model.LogEntry, catalog *domain.Catalog, now time.Time) *Summary {
	log := make([]model.LogEntry, len(entries))
	copy(log, entries)
	sort.SliceStable(log, func(i, j int) bool { return log[i].Seq < log[j].Seq })

	s := &Summary{
		SessionID:       sess.ID,
		UserName:        sess.UserName,
		Status:          sess.Status,
		Run:             sess.Run,
		TopicIDs:        append([]string(nil), sess.TopicIDs...),
		Preferred:       append([]string(nil), sess.PreferredTopics...),
		Seed:            sess.Seed,
		StartTime:       sess.CreatedAt,
		ExportedAt:      now,
		Statistics:      statisticsOf(log, catalog),
		ConversationLog: log,
		Questions:       coreQuestions(sess, log, catalog),
	}
	switch {
	case sess.CompletedAt != nil:
		t := *sess.CompletedAt
		s.EndTime = &t
	case len(log) > 0:
		t := log[len(log)-1].Timestamp
		s.EndTime = &t
	}
	return s
}

// coreQuestions 按 topic_ids 列出当前 Run 的核心问题。话题不在题库中时返回 nil。
func coreQuestions(sess *model.Session, log []model.LogEntry, catalog *domain.Catalog) []CoreQuestion {
	if catalog == nil {
		return nil
	}
	topics, err := catalog.Resolve(sess.TopicIDs)
	if err != nil {
		return nil
	}
	done := make(map[string]bool)
	for _, e := range interview.CurrentRun(log, sess.Run) {
		if e.Kind == model.KindCore || e.Kind == model.KindSkip {
			done[e.TopicID] = true
		}
	}
	out := make([]CoreQuestion, len(topics))
	for i, t := range topics {
		out[i] = CoreQuestion{Index: i + 1, TopicID: t.ID, Question: t.CoreQuestion(), Answered: done[t.ID]}
	}
	return out
}

// Export 从存储读取会话并生成报告；会话被淘汰或删除后依然可用。
func Export(ctx context.Context, st store.Store, catalog *domain.Catalog, id string, now time.Time) (*Summary, error) {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := st.Entries(ctx, id)
	if err != nil {
		return nil, &model.StorageError{Op: "export", Err: err}
	}
	return BuildSummary(sess, entries, catalog, now), nil
}

// Import 把报告写回存储，日志按原顺序重新编号。会话 ID 已存在时返回 InvalidInput。
func Import(ctx context.Context, st store.Store, s *Summary) (*model.Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := st.GetSession(ctx, s.SessionID); err == nil {
		return nil, model.InvalidInputf("session %s already exists", s.SessionID)
	} else if !errors.Is(err, model.ErrSessionNotFound) {
		return nil, &model.StorageError{Op: "import", Err: err}
	}

	sess := s.session()
	entries := make([]model.LogEntry, len(s.ConversationLog))
	copy(entries, s.ConversationLog)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for i := range entries {
		entries[i].SessionID = s.SessionID
	}
	if _, err := st.Commit(ctx, sess, entries); err != nil {
		return nil, &model.StorageError{Op: "import", Err: err}
	}
	return sess, nil
}

func (s *Summary) session() *model.Session {
	status := s.Status
	if status == "" {
		status = model.StatusIdle
	}
	sess := &model.Session{
		ID:              s.SessionID,
		UserName:        s.UserName,
		Status:          status,
		Run:             s.Run,
		TopicIDs:        append([]string(nil), s.TopicIDs...),
		PreferredTopics: append([]string(nil), s.Preferred...),
		Seed:            s.Seed,
		CreatedAt:       s.StartTime,
		LastActiveAt:    s.StartTime,
	}
	if s.EndTime != nil {
		sess.LastActiveAt = *s.EndTime
		if status == model.StatusCompleted {
			t := *s.EndTime
			sess.CompletedAt = &t
		}
	}
	current := interview.CurrentRun(s.ConversationLog, s.Run)
	p := interview.Replay(len(s.TopicIDs), current)
	sess.QuestionIndex = p.QuestionIndex
	sess.FollowupCount = p.FollowupCount
	sess.PendingFollowup = p.PendingFollowup
	sess.PendingAI = p.PendingAI
	return sess
}

// Validate 检查报告结构与日志类型。
func (s *Summary) Validate() error {
	if err := validate.Struct(s); err != nil {
		return model.InvalidInputf("summary: %v", err)
	}
	for i, e := range s.ConversationLog {
		switch e.Kind {
		case model.KindCore, model.KindFollowup, model.KindPrompt, model.KindSkip:
		default:
			return model.InvalidInputf("summary: entry %d has unknown type %q", i, e.Kind)
		}
		if e.Kind.IsAnswer() && e.Answer == nil {
			return model.InvalidInputf("summary: entry %d is an answer without text", i)
		}
	}
	return nil
}

// WriteJSON 以缩进格式输出报告，中文不转义。
func WriteJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(s)
}

func ReadJSON(r io.Reader) (*Summary, error) {
	var s Summary
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, model.InvalidInputf("decode summary: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// String 便于日志输出。
func (s *Summary) String() string {
	return fmt.Sprintf("summary{session=%s run=%d logs=%d}", s.SessionID, s.Run, len(s.ConversationLog))
}
