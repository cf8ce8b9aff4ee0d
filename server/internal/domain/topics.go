package domain

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"interview-engine/server/internal/model"

	"github.com/go-playground/validator/v10"
)

//go:embed topics.json
var defaultTopics []byte

// topicSpec 是话题文件中的一条记录，带校验规则。
type topicSpec struct {
	ID        string   `json:"id" validate:"required"`
	Scene     string   `json:"scene" validate:"required"`
	EduType   string   `json:"edu_type" validate:"required"`
	Intro     string   `json:"intro"`
	Questions []string `json:"questions" validate:"required,min=1,dive,required"`
	Followups []string `json:"followups" validate:"dive,required"`
}

// Catalog 是只读的话题目录，进程启动时加载一次。
type Catalog struct {
	topics   []model.Topic
	byID     map[string]int
	scenes   []model.Scene
	eduTypes []model.EduType
}

// DefaultCatalog 返回内置的 3 场景 x 5 维度话题目录。
func DefaultCatalog() (*Catalog, error) {
	return parseCatalog(defaultTopics)
}

// LoadTopics 从指定路径加载话题目录；path 为空时使用内置目录。
func LoadTopics(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topics: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var specs []topicSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	topics := make([]model.Topic, 0, len(specs))
	validate := validator.New()
	for i, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("topic #%d: %w", i, err)
		}
		topics = append(topics, model.Topic{
			ID:        spec.ID,
			Scene:     model.Scene(spec.Scene),
			EduType:   model.EduType(spec.EduType),
			Intro:     spec.Intro,
			Questions: spec.Questions,
			Followups: spec.Followups,
		})
	}
	return NewCatalog(topics)
}

// NewCatalog 用给定话题构建目录，话题 ID 必须唯一。
func NewCatalog(topics []model.Topic) (*Catalog, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("topic catalog is empty")
	}

	c := &Catalog{
		topics: make([]model.Topic, len(topics)),
		byID:   make(map[string]int, len(topics)),
	}
	copy(c.topics, topics)

	seenScene := make(map[model.Scene]bool)
	seenEdu := make(map[model.EduType]bool)
	for i, t := range c.topics {
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate topic id %q", t.ID)
		}
		c.byID[t.ID] = i
		if !seenScene[t.Scene] {
			seenScene[t.Scene] = true
			c.scenes = append(c.scenes, t.Scene)
		}
		if !seenEdu[t.EduType] {
			seenEdu[t.EduType] = true
			c.eduTypes = append(c.eduTypes, t.EduType)
		}
	}
	return c, nil
}

// All 返回全部话题（副本）。
func (c *Catalog) All() []model.Topic {
	out := make([]model.Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

// Len 返回话题数量。
func (c *Catalog) Len() int { return len(c.topics) }

// Get 按 ID 查找话题。
func (c *Catalog) Get(id string) (model.Topic, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.Topic{}, false
	}
	return c.topics[i], true
}

// Resolve 把话题 ID 序列还原为话题，未知 ID 返回 ErrInvalidInput。
func (c *Catalog) Resolve(ids []string) ([]model.Topic, error) {
	out := make([]model.Topic, 0, len(ids))
	for _, id := range ids {
		t, ok := c.Get(id)
		if !ok {
			return nil, model.InvalidInputf("unknown topic %q", id)
		}
		out = append(out, t)
	}
	return out, nil
}

// Scenes 返回目录中出现过的场景，按首次出现顺序。
func (c *Catalog) Scenes() []model.Scene {
	return append([]model.Scene(nil), c.scenes...)
}

// EduTypes 返回目录中出现过的五育维度，按首次出现顺序。
func (c *Catalog) EduTypes() []model.EduType {
	return append([]model.EduType(nil), c.eduTypes...)
}
