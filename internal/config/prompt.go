package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PromptConfig prompt configuration structure
type PromptConfig struct {
	Language string                     `yaml:"language"`
	Prompts  map[string]LanguagePrompts `yaml:"prompts"`
}

// LanguagePrompts prompts for a specific language
type LanguagePrompts struct {
	System         string `yaml:"system"`
	Research       string `yaml:"research"`  // appended to System when tools are enabled
	Knowledge      string `yaml:"knowledge"` // appended after Research when the knowledge base is on
	ReportAnalysis string `yaml:"report_analysis"`
	ReportFormat   string `yaml:"report_format"`
	ErrorPrefix    string `yaml:"error_prefix"`
}

// DefaultPromptConfig returns default prompt configuration
func DefaultPromptConfig() *PromptConfig {
	return &PromptConfig{
		Language: "en",
		Prompts: map[string]LanguagePrompts{
			"en": {
				System: `You are ResearchMate, a research assistant with memory. You remember earlier conversations with the user and keep a working memory of the current research: queries already searched, URLs already read, findings, insights and open follow-up questions.

Answer from what you know and from the recalled context you are given. Say so when the context does not cover the question. Cite sources by URL when you use findings from the web.`,
				Research: `## Research protocol
1. Initial research: run search_web with a focused query. Queries you already ran and URLs you already processed are skipped for you.
2. Call evaluate_result on promising results, then extract_learnings on the relevant ones. Learnings become findings and follow-up questions.
3. Follow-up research: search each open follow-up question once. Stop after this phase; do not loop.
4. Use get_working_memory_context to see what you have learned, record_decision for choices worth remembering, and set_research_phase as you move through initial, follow-up, analysis and complete.
Finish with a concise answer built on your findings.`,
				Knowledge: `## Knowledge base
Before searching the web, try retrieve_knowledge: earlier reports, notes and references may already answer the question. Use store_knowledge for findings worth keeping beyond this conversation.`,
				ReportAnalysis: `You are a research analyst. From the research material you are given, write a structured analysis with an executive summary, key findings grouped by theme, open questions and recommendations. Keep claims tied to their sources.`,
				ReportFormat:   `You are a report writer. Turn the analysis into a polished markdown report: a title, an executive summary, headed sections, and a closing list of sources. Do not invent findings or sources.`,
				ErrorPrefix:    "Error",
			},
			"zh": {
				System: `你是 ResearchMate，一个具备记忆能力的研究助手。你记得与用户之前的对话，并为当前研究维护工作记忆：已搜索的查询、已阅读的网址、发现、洞见以及待解决的后续问题。

请基于已知信息和提供给你的回忆上下文回答问题。如果上下文无法覆盖问题，请明确说明。使用网络发现时请注明来源网址。`,
				Research: `## 研究流程
1. 初始研究：使用 search_web 进行有针对性的搜索。已执行的查询和已处理的网址会被自动跳过。
2. 对有价值的结果调用 evaluate_result，对相关结果调用 extract_learnings。提取的内容会成为发现和后续问题。
3. 后续研究：每个待解决的后续问题只搜索一次。完成此阶段后停止，不要循环。
4. 使用 get_working_memory_context 查看已学到的内容，用 record_decision 记录重要决策，并用 set_research_phase 在 initial、follow-up、analysis、complete 之间推进。
最后基于你的发现给出简洁的回答。`,
				Knowledge: `## 知识库
在搜索网络之前，先尝试 retrieve_knowledge：之前的报告、笔记和参考资料可能已经能回答问题。用 store_knowledge 保存值得在本次对话之外保留的发现。`,
				ReportAnalysis: `你是一名研究分析师。根据提供的研究材料，撰写结构化的分析：执行摘要、按主题归类的关键发现、待解决的问题和建议。每条结论都要对应其来源。`,
				ReportFormat:   `你是一名报告撰写者。将分析整理成规范的 markdown 报告：标题、执行摘要、分节内容以及末尾的来源列表。不要编造发现或来源。`,
				ErrorPrefix:    "错误",
			},
		},
	}
}

// PromptConfigPath returns the prompt config file path
func PromptConfigPath() (string, error) {
	// First check if there's a config/prompt.yaml in current working directory
	cwd, err := os.Getwd()
	if err == nil {
		localPath := filepath.Join(cwd, "config", "prompt.yaml")
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
	}

	// Fall back to user config directory
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prompt.yaml"), nil
}

// LoadPromptConfig loads prompt configuration from file
func LoadPromptConfig() (*PromptConfig, error) {
	configPath, err := PromptConfigPath()
	if err != nil {
		return DefaultPromptConfig(), nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultPromptConfig(), nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt config: %w", err)
	}

	// Parse config
	cfg := DefaultPromptConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse prompt config: %w", err)
	}

	return cfg, nil
}

// GetPrompts returns prompts for the configured language
func (p *PromptConfig) GetPrompts() LanguagePrompts {
	if prompts, ok := p.Prompts[p.Language]; ok {
		return prompts
	}
	// Fall back to English if configured language not found
	if prompts, ok := p.Prompts["en"]; ok {
		return prompts
	}
	return LanguagePrompts{}
}

// GetSystemPrompt returns the system prompt for the configured language
func (p *PromptConfig) GetSystemPrompt() string {
	return p.GetPrompts().System
}

// GetResearchPrompt returns the system prompt extended with the research
// protocol used when tools are enabled
func (p *PromptConfig) GetResearchPrompt() string {
	prompts := p.GetPrompts()
	if prompts.Research == "" {
		return prompts.System
	}
	return prompts.System + "\n\n" + prompts.Research
}

// GetKnowledgePrompt returns the research prompt with the knowledge base
// instructions appended
func (p *PromptConfig) GetKnowledgePrompt() string {
	prompts := p.GetPrompts()
	if prompts.Knowledge == "" {
		return p.GetResearchPrompt()
	}
	return p.GetResearchPrompt() + "\n\n" + prompts.Knowledge
}

// GetReportPrompts returns the analysis and formatting prompts of the report writer
func (p *PromptConfig) GetReportPrompts() (analysis, format string) {
	prompts := p.GetPrompts()
	return prompts.ReportAnalysis, prompts.ReportFormat
}

// GetErrorPrefix returns the error prefix for the configured language
func (p *PromptConfig) GetErrorPrefix() string {
	return p.GetPrompts().ErrorPrefix
}
