package domain

import (
	"fmt"
	"math/rand"

	"interview-engine/server/internal/model"
)

type cellKey struct {
	scene model.Scene
	edu   model.EduType
}

type cell struct {
	key    cellKey
	topics []model.Topic
}

// Select 按覆盖优先的规则抽取 n 个互不相同的话题。
//
// 规则：
//   - preferred 中的话题按给定顺序优先入选（未知 ID 视为非法输入）；
//   - 其余名额按 (场景, 维度) 单元格贪心抽取，每个单元格至多一个，
//     优先覆盖新的场景，其次新的维度，同分时按随机顺序；
//   - 单元格用尽后，从剩余话题中随机补足（不放回）。
//
// rng 由会话持有，显式播种时结果可复现。
func (c *Catalog) Select(n int, preferred []string, rng *rand.Rand) ([]model.Topic, error) {
	if n <= 0 {
		return nil, model.InvalidInputf("topic count must be positive, got %d", n)
	}
	if n > len(c.topics) {
		return nil, fmt.Errorf("%w: want %d, catalog has %d", model.ErrInsufficientTopics, n, len(c.topics))
	}

	picked := make([]model.Topic, 0, n)
	used := make(map[string]bool, n)
	for _, id := range preferred {
		t, ok := c.Get(id)
		if !ok {
			return nil, model.InvalidInputf("unknown topic %q", id)
		}
		if used[id] {
			continue
		}
		used[id] = true
		picked = append(picked, t)
	}
	if len(picked) >= n {
		return picked[:n], nil
	}

	coveredScene := make(map[model.Scene]bool)
	coveredEdu := make(map[model.EduType]bool)
	usedCell := make(map[cellKey]bool)
	for _, t := range picked {
		coveredScene[t.Scene] = true
		coveredEdu[t.EduType] = true
		usedCell[cellKey{t.Scene, t.EduType}] = true
	}

	// 按目录顺序分组，再打乱，避免 map 遍历顺序影响复现。
	var cells []*cell
	index := make(map[cellKey]*cell)
	for _, t := range c.topics {
		if used[t.ID] {
			continue
		}
		k := cellKey{t.Scene, t.EduType}
		if usedCell[k] {
			continue
		}
		cl, ok := index[k]
		if !ok {
			cl = &cell{key: k}
			index[k] = cl
			cells = append(cells, cl)
		}
		cl.topics = append(cl.topics, t)
	}
	rng.Shuffle(len(cells), func(i, j int) { cells[i], cells[j] = cells[j], cells[i] })

	for len(picked) < n && len(cells) > 0 {
		best, bestScore := 0, -1
		for i, cl := range cells {
			score := 0
			if !coveredScene[cl.key.scene] {
				score += 2
			}
			if !coveredEdu[cl.key.edu] {
				score++
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}

		cl := cells[best]
		cells = append(cells[:best], cells[best+1:]...)
		t := cl.topics[rng.Intn(len(cl.topics))]
		picked = append(picked, t)
		used[t.ID] = true
		coveredScene[cl.key.scene] = true
		coveredEdu[cl.key.edu] = true
	}

	if len(picked) < n {
		var rest []model.Topic
		for _, t := range c.topics {
			if !used[t.ID] {
				rest = append(rest, t)
			}
		}
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		picked = append(picked, rest[:n-len(picked)]...)
	}

	return picked, nil
}
