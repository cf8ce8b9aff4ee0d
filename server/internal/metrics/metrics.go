package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "interview"

var (
	// SessionsActive 是内存中的会话数。
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live interview sessions.",
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Sessions created since start.",
	})

	// SessionsEvicted 按原因（idle, capacity, deleted）统计移出内存的会话。
	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Sessions removed from the live map.",
	}, []string{"reason"})

	// Answers 按决策分支（clarify, deepen, advance）统计回答。
	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Answers processed, by decision branch.",
	}, []string{"branch"})

	// 标签 source: preset/generated，result: ok/error
	Followups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "followups_total",
		Help:      "Follow-up source calls by source and result.",
	}, []string{"source", "result"})

	// FollowupFallbacks 统计主追问源失败后的去向：secondary 由次要源补上，advance 直接进入下一题。
	FollowupFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "followup_fallbacks_total",
		Help:      "Follow-up requests that fell back past their primary source.",
	}, []string{"to"})

	// Undos 按路径统计成功的撤销：memory 弹出快照，durable 截断日志。
	Undos = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "undo_total",
		Help:      "Undo operations by path.",
	}, []string{"path"})

	// StorageFailures 统计存储失败，触发 [ALERT] 日志的同时计数。
	StorageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_failures_total",
		Help:      "Storage operations that failed.",
	}, []string{"op"})

	// OperationDuration 记录 Manager 各操作的耗时。
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of session operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)
