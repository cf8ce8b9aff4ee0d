package report

import (
	"context"
	"sort"
	"time"

	"interview-engine/server/internal/domain"
	"interview-engine/server/internal/model"
	"interview-engine/server/internal/store"
)

// DailyCount 是某一天（UTC）的日志条数。
type DailyCount struct {
	Date    string `json:"date"`
	Entries int    `json:"entries"`
}

// Overview 是一段时间内所有会话的汇总。
type Overview struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	TotalSessions int            `json:"total_sessions"`
	ByStatus      map[string]int `json:"sessions_by_status"`

	TotalLogs         int            `json:"total_logs"`
	ByType            map[string]int `json:"logs_by_type"`
	SceneDistribution map[string]int `json:"scene_distribution"`
	EduDistribution   map[string]int `json:"edu_distribution"`
	AverageDepth      float64        `json:"average_depth"`
	Daily             []DailyCount   `json:"daily"`
}

// Aggregate 统计 [from, to) 内创建的会话与产生的日志；零值表示不设边界。
func Aggregate(ctx context.Context, st store.Store, catalog *domain.Catalog, from, to time.Time) (*Overview, error) {
	sessions, err := st.ListSessions(ctx, store.SessionFilter{CreatedFrom: from, CreatedTo: to})
	if err != nil {
		return nil, &model.StorageError{Op: "aggregate", Err: err}
	}
	entries, err := st.EntriesBetween(ctx, from, to)
	if err != nil {
		return nil, &model.StorageError{Op: "aggregate", Err: err}
	}

	o := &Overview{
		From:          from,
		To:            to,
		TotalSessions: len(sessions),
		ByStatus:      make(map[string]int),
		ByType:        make(map[string]int),
	}
	for _, s := range sessions {
		o.ByStatus[string(s.Status)]++
	}

	stats := statisticsOf(entries, catalog)
	o.TotalLogs = stats.TotalLogs
	o.SceneDistribution = stats.SceneDistribution
	o.EduDistribution = stats.EduDistribution
	o.AverageDepth = stats.AverageDepth

	daily := make(map[string]int)
	for _, e := range entries {
		o.ByType[e.Kind.Label()]++
		daily[e.Timestamp.UTC().Format("2006-01-02")]++
	}
	for date, n := range daily {
		o.Daily = append(o.Daily, DailyCount{Date: date, Entries: n})
	}
	sort.Slice(o.Daily, func(i, j int) bool { return o.Daily[i].Date < o.Daily[j].Date })
	return o, nil
}

// ParseBound 解析统计区间的一端，接受 RFC3339 或 2006-01-02，空字符串表示不设边界。
// end 为真时只给日期的值包含当天。
func ParseBound(v string, end bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}
