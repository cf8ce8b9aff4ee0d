package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordScorer(t *testing.T) {
	s := NewKeywordScorer(nil, 4)

	cases := []struct {
		name   string
		answer string
		want   int
	}{
		{"empty", "   ", 0},
		{"no keywords", "还行吧", 0},
		{"two keywords", "当时我很紧张", 2},
		{"repeated keyword counts once", "紧张紧张紧张", 1},
		{"capped at max", "有一次当时我很紧张，因为第一次上台，所以后来我学到了很多", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.Score(tc.answer, nil))
		})
	}
}

func TestKeywordScorerCustomKeywords(t *testing.T) {
	s := NewKeywordScorer([]string{"团队"}, 0)
	assert.Equal(t, 1, s.Score("我们团队赢了", []string{"团队"}))
}

func TestFuncScorer(t *testing.T) {
	var s Scorer = Func(func(answer string, prior []string) int { return len(prior) })
	assert.Equal(t, 2, s.Score("x", []string{"a", "b"}))
}
