package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/harbour-desk/backend/internal/analysis/escalation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/handoff"
)

// SupportPolicy 是客服话术与转人工规则的可配置部分。
type SupportPolicy struct {
	AssistantName string          `yaml:"assistant_name"`
	Company       string          `yaml:"company"`
	Domain        string          `yaml:"domain"`
	Refusal       string          `yaml:"refusal"`
	Rules         []string        `yaml:"rules"`
	Escalation    EscalationRules `yaml:"escalation"`
	Messages      Messages        `yaml:"messages"`
}

// EscalationRules 扩展内置的转人工关键词与阈值。
type EscalationRules struct {
	Phrases          []string `yaml:"phrases"`
	AgentRequests    []string `yaml:"agent_requests"`
	FrustrationWords []string `yaml:"frustration_words"`
	MildThreshold    int      `yaml:"mild_threshold"`
	StrongThreshold  int      `yaml:"strong_threshold"`
}

// Messages 是面向客户的固定文案。
type Messages struct {
	HandoffNotice string `yaml:"handoff_notice"`
	EngineFailure string `yaml:"engine_failure"`
}

// DefaultSupportPolicy 在未配置策略文件时使用。
func DefaultSupportPolicy() SupportPolicy {
	p := ai.DefaultPolicy()
	return SupportPolicy{
		AssistantName: p.AssistantName,
		Company:       p.Company,
		Domain:        p.Domain,
		Refusal:       p.Refusal,
		Rules:         p.Rules,
		Escalation: EscalationRules{
			Phrases:         append([]string(nil), handoff.DefaultPhrases...),
			MildThreshold:   escalation.DefaultThresholds.Mild,
			StrongThreshold: escalation.DefaultThresholds.Strong,
		},
		Messages: Messages{
			HandoffNotice: conversation.DefaultHandoffNotice,
			EngineFailure: conversation.DefaultEngineFailure,
		},
	}
}

// LoadPolicy 读取 YAML 策略文件；path 为空时返回默认策略。
// 文件中缺省的字段保留默认值。
func LoadPolicy(path string) (SupportPolicy, error) {
	policy := DefaultSupportPolicy()
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return SupportPolicy{}, fmt.Errorf("read support policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return SupportPolicy{}, fmt.Errorf("parse support policy %s: %w", path, err)
	}
	if err := policy.validate(); err != nil {
		return SupportPolicy{}, fmt.Errorf("support policy %s: %w", path, err)
	}
	return policy, nil
}

func (p SupportPolicy) validate() error {
	if strings.TrimSpace(p.Company) == "" {
		return fmt.Errorf("company is required")
	}
	t := p.Thresholds()
	if t.Mild <= 0 || t.Strong < t.Mild {
		return fmt.Errorf("invalid escalation thresholds mild=%d strong=%d", t.Mild, t.Strong)
	}
	return nil
}

// Prompt 转换为回复引擎使用的提示词策略。
func (p SupportPolicy) Prompt() ai.Policy {
	return ai.Policy{
		AssistantName: p.AssistantName,
		Company:       p.Company,
		Domain:        p.Domain,
		Refusal:       p.Refusal,
		Rules:         p.Rules,
	}
}

// Thresholds 返回情绪分级阈值。
func (p SupportPolicy) Thresholds() escalation.Thresholds {
	return escalation.Thresholds{Mild: p.Escalation.MildThreshold, Strong: p.Escalation.StrongThreshold}
}
