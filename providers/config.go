package providers

import "time"

// GLMConfig GLM 家族适配器配置（chat.z.ai 消费者端点）
type GLMConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// QwenConfig Qwen 家族适配器配置（chat.qwen.ai 消费者端点）
type QwenConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// KimiConfig K2 家族适配器配置（kimi.com 消费者端点）
type KimiConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}
