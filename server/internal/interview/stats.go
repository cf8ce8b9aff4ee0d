package interview

import (
	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/model"
)

// Tally 统计一段日志：作答、跳过、追问来源、平均深度以及场景/维度分布。
// 分布按条目计数，话题不在 catalog 中时只计入总数。
func Tally(entries []model.LogEntry, catalog *domain.Catalog) model.SessionStats {
	st := model.SessionStats{
		TotalEntries: len(entries),
		SceneCounts:  make(map[string]int),
		EduCounts:    make(map[string]int),
	}
	depthSum, scored := 0, 0
	for _, e := range entries {
		switch e.Kind {
		case model.KindCore, model.KindFollowup:
			st.Answers++
			if e.Depth != nil {
				depthSum += *e.Depth
				scored++
			}
		case model.KindSkip:
			st.Skips++
		case model.KindPrompt:
			if e.AIGenerated {
				st.AIFollowups++
			} else {
				st.PresetFollowups++
			}
		}
		if catalog == nil {
			continue
		}
		if t, ok := catalog.Get(e.TopicID); ok {
			st.SceneCounts[string(t.Scene)]++
			st.EduCounts[string(t.EduType)]++
		}
	}
	if scored > 0 {
		st.AverageDepth = float64(depthSum) / float64(scored)
	}
	return st
}
