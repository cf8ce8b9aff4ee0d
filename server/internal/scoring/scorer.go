package scoring

import (
	"strings"
)

// Scorer 估计一个回答的深度，用于决定是否追问。
// prior 是同一话题下此前的回答（按时间顺序），实现可以据此调整评分。
type Scorer interface {
	Score(answer string, prior []string) int
}

// DefaultDepthKeywords 是默认的深度关键词：出现越多，说明回答越具体、越有反思。
var DefaultDepthKeywords = []string{
	"例子", "经历", "具体", "当时", "那次", "有一次", "记得",
	"感受", "感觉", "觉得", "认为", "反思", "思考", "意识到",
	"影响", "收获", "学到", "成长", "改变", "进步", "提升",
	"因为", "所以", "后来", "结果", "过程", "细节",
	"开心", "难过", "紧张", "兴奋", "感动", "印象深刻",
	"帮助", "支持", "合作", "沟通", "交流", "一起",
}

// KeywordScorer 统计回答中出现的不同深度关键词个数，并截断到 Max。
type KeywordScorer struct {
	Keywords []string
	Max      int
}

// NewKeywordScorer 创建关键词评分器；keywords 为空时使用默认词表。
func NewKeywordScorer(keywords []string, max int) *KeywordScorer {
	if len(keywords) == 0 {
		keywords = DefaultDepthKeywords
	}
	return &KeywordScorer{Keywords: keywords, Max: max}
}

// Score 只看本次回答本身；prior 不参与计分。
func (s *KeywordScorer) Score(answer string, _ []string) int {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return 0
	}
	score := 0
	for _, kw := range s.Keywords {
		if strings.Contains(answer, kw) {
			score++
			if s.Max > 0 && score >= s.Max {
				return s.Max
			}
		}
	}
	return score
}

// Func 允许用普通函数充当 Scorer，便于测试注入固定分数。
type Func func(answer string, prior []string) int

func (f Func) Score(answer string, prior []string) int { return f(answer, prior) }
