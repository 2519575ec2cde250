package domain

import "time"

// BackendConfig configures the chat backend
type BackendConfig struct {
	Provider          string        `json:"provider" mapstructure:"provider"` // "openai", "ollama" or "gemini"
	BaseURL           string        `json:"base_url" mapstructure:"base_url"`
	APIKey            string        `json:"api_key" mapstructure:"api_key"`
	Model             string        `json:"model" mapstructure:"model"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"` // 0 = unlimited
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	MaxIterations         int     `json:"max_iterations" mapstructure:"max_iterations"`
	ReflectionThreshold   int     `json:"reflection_threshold" mapstructure:"reflection_threshold"`
	HistoryMessages       int     `json:"history_messages" mapstructure:"history_messages"`
	HistoryTokens         int     `json:"history_tokens" mapstructure:"history_tokens"`
	MainTemperature       float64 `json:"main_temperature" mapstructure:"main_temperature"`
	ReflectionTemperature float64 `json:"reflection_temperature" mapstructure:"reflection_temperature"`
	FallbackTemperature   float64 `json:"fallback_temperature" mapstructure:"fallback_temperature"`
	MaxTokens             int     `json:"max_tokens" mapstructure:"max_tokens"`
	FailureLessons        int     `json:"failure_lessons" mapstructure:"failure_lessons"`
	ExtractFacts          bool    `json:"extract_facts" mapstructure:"extract_facts"`
}

// MetacognitionConfig holds the abort heuristic thresholds.
type MetacognitionConfig struct {
	// MaxThinkingTime is the elapsed-time cutoff for one run.
	MaxThinkingTime time.Duration `json:"max_thinking_time" mapstructure:"max_thinking_time"`
	// RepeatThreshold counts identical tool calls in a row.
	RepeatThreshold int `json:"repeat_threshold" mapstructure:"repeat_threshold"`
	// StallThreshold counts non-progress actions (plan/unknown) in a row.
	StallThreshold   int     `json:"stall_threshold" mapstructure:"stall_threshold"`
	ConfidenceWindow int     `json:"confidence_window" mapstructure:"confidence_window"`
	ConfidenceFloor  float64 `json:"confidence_floor" mapstructure:"confidence_floor"`
	// MaxConversations bounds the tracked states (LRU).
	MaxConversations int `json:"max_conversations" mapstructure:"max_conversations"`
}

// DefaultBackendConfig returns safe defaults
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Provider: "openai",
		BaseURL:  "https://api.deepseek.com/v1",
		Model:    "deepseek-chat",
		Timeout:  120 * time.Second,
	}
}

// DefaultAgentConfig returns the loop tuning used when nothing is configured.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxIterations:         MaxIterations,
		ReflectionThreshold:   3,
		HistoryMessages:       20,
		HistoryTokens:         6000,
		MainTemperature:       0.3,
		ReflectionTemperature: 0.2,
		FallbackTemperature:   0.5,
		MaxTokens:             2048,
		FailureLessons:        3,
		ExtractFacts:          true,
	}
}

// DefaultMetacognitionConfig returns the default abort heuristic.
func DefaultMetacognitionConfig() MetacognitionConfig {
	return MetacognitionConfig{
		MaxThinkingTime:  3 * time.Minute,
		RepeatThreshold:  3,
		StallThreshold:   3,
		ConfidenceWindow: 3,
		ConfidenceFloor:  0.3,
		MaxConversations: 1024,
	}
}
