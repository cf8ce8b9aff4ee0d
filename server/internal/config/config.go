package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Interview InterviewConfig `yaml:"interview"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Paths     PathsConfig     `yaml:"paths"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 追问生成使用的大模型配置
type LLMConfig struct {
	Provider  string            `yaml:"provider" validate:"oneof=openai anthropic mock none"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	// RateLimit 是每秒允许的生成请求数，0 表示不限流。
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// InterviewConfig 访谈状态机参数
type InterviewConfig struct {
	TotalQuestions  int `yaml:"total_questions" validate:"gte=1"`
	MinAnswerLength int `yaml:"min_answer_length" validate:"gte=0"`
	MaxAnswerLength int `yaml:"max_answer_length" validate:"gte=0"`
	MaxFollowups    int `yaml:"max_followups_per_question" validate:"gte=0"`
	MaxDepthScore   int `yaml:"max_depth_score" validate:"gte=1"`
	UndoCapacity    int `yaml:"undo_capacity" validate:"gte=1"`
	// FollowupTimeout 是单次追问生成的上限，超时按失败处理并走预设兜底。
	FollowupTimeout time.Duration `yaml:"followup_timeout" validate:"gt=0"`
	DepthKeywords   []string      `yaml:"depth_keywords"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	MaxSessions   int           `yaml:"max_sessions" validate:"gte=1"`
	// RestoreFromStore 为 true 时，内存中找不到的活跃会话会从存储回放恢复。
	RestoreFromStore bool `yaml:"restore_from_store"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	// Output 为空时写 stderr，否则追加写入该文件。
	Output string `yaml:"output"`
}

type PathsConfig struct {
	// Topics 为空时使用内置话题目录。
	Topics string `yaml:"topics"`
}

// Default 返回可直接运行的默认配置（内存存储、预设追问）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			AllowedOrigins: []string{
				"http://localhost:5173",
				"http://127.0.0.1:5173",
			},
		},
		LLM: LLMConfig{
			Provider: "none",
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				MaxTokens:   120,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.7,
				MaxTokens:   120,
			},
			RateLimit: 5,
			Burst:     10,
		},
		Interview: InterviewConfig{
			TotalQuestions:  6,
			MinAnswerLength: 15,
			MaxAnswerLength: 2000,
			MaxFollowups:    3,
			MaxDepthScore:   4,
			UndoCapacity:    10,
			FollowupTimeout: 8 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:      time.Hour,
			SweepInterval:    time.Minute,
			MaxSessions:      100,
			RestoreFromStore: true,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
	}
}

// Load 从文件加载配置；文件中未出现的字段保留默认值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		log.Printf("[Config] loading config from %s", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	log.Printf("[Config] addr=%s storage=%s llm=%s questions=%d",
		cfg.Server.Addr(), cfg.Storage.Driver, cfg.LLM.Provider, cfg.Interview.TotalQuestions)
	return cfg, nil
}

// 从环境变量覆盖敏感信息与部署相关的配置
func applyEnv(cfg *Config) {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = key
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.LLM.OpenAI.APIKey == "" {
		cfg.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = key
	}
	if path := os.Getenv("INTERVIEW_DB_PATH"); path != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.Path = path
	}
	if port := os.Getenv("INTERVIEW_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for sqlite driver")
	}
	if c.Interview.MaxAnswerLength > 0 && c.Interview.MaxAnswerLength < c.Interview.MinAnswerLength {
		return fmt.Errorf("interview.max_answer_length must not be below min_answer_length")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY env var or config)")
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY env var or config)")
		}
	}
	return nil
}

// Write 把配置写回 YAML 文件，用于生成示例配置。
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
