// Package analysis talks to an Ollama-compatible generate endpoint.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"prhealth/internal/common"

	"go.uber.org/zap"
)

const (
	singleReportMaxTokens = 150
	finalSummaryMaxTokens = 250
	inferNameMaxTokens    = 20
)

// GenerateRequest /api/generate 请求体
type GenerateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
}

// GenerateResponse /api/generate 响应体
type GenerateResponse struct {
	Response string `json:"response"`
}

// Engine 报告分析引擎
type Engine struct {
	serverURL string
	model     string
	http      *http.Client
	metrics   *common.Metrics
	logger    *zap.Logger
}

// NewEngine 创建分析引擎
func NewEngine(cfg common.LLMConfig, metrics *common.Metrics) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Engine{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		model:     cfg.Model,
		http:      &http.Client{Timeout: timeout},
		metrics:   metrics,
		logger:    common.ComponentLogger("analysis"),
	}
}

// AnalyzeSingleReport 分析单份报告，index 从 1 开始
func (e *Engine) AnalyzeSingleReport(ctx context.Context, report string, index int) (string, error) {
	prompt := fmt.Sprintf("Analyze the following report (file %d) and provide your thinking process step by step. "+
		"Make sure to retain all important attributes (e.g. maintenance, trends, risks, contributor details) "+
		"from the report. Report:\n\n%s\n\nYour detailed analysis (chain-of-thought):", index, report)

	thought, err := e.generate(ctx, "single", prompt, singleReportMaxTokens)
	if err != nil {
		return "", fmt.Errorf("analyze report %d: %w", index, err)
	}
	e.logger.Info("Received report analysis", zap.Int("file", index), zap.Int("length", len(thought)))
	return thought, nil
}

// AnalyzeReports 基于逐份分析结果生成最终总结
func (e *Engine) AnalyzeReports(ctx context.Context, steps []string) (string, error) {
	prompt := "Based on the following individual analysis steps, produce a comprehensive evaluation summary " +
		"with your detailed chain-of-thought. Retain all crucial attributes and include your reasoning process:\n\n" +
		strings.Join(steps, "\n\n") + "\n\nFinal Summary:"

	summary, err := e.generate(ctx, "final", prompt, finalSummaryMaxTokens)
	if err != nil {
		return "", fmt.Errorf("final summary: %w", err)
	}
	e.logger.Info("Received final summary", zap.Int("length", len(summary)))
	return summary, nil
}

// InferProjectName 启发式失败时由模型推断项目名
func (e *Engine) InferProjectName(ctx context.Context, title, body string) (string, error) {
	prompt := "Extract the name of the project this pull request reports on. " +
		"Answer with the project name only.\n\n" +
		"Title: " + title + "\n\nBody:\n" + body + "\n\nProject name:"

	name, err := e.generate(ctx, "infer", prompt, inferNameMaxTokens)
	if err != nil {
		return "", fmt.Errorf("infer project name: %w", err)
	}
	return strings.Trim(name, " \t\"'.`"), nil
}

func (e *Engine) generate(ctx context.Context, kind, prompt string, maxTokens int) (text string, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordLLMRequest(kind, time.Since(start), err) }()

	payload, err := json.Marshal(GenerateRequest{
		Model:       e.model,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: 0,
		Stop:        []string{"\n"},
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	url := e.serverURL + "/api/generate"
	e.logger.Debug("Sending generate request",
		zap.String("kind", kind),
		zap.String("url", url),
		zap.Int("prompt_length", len(prompt)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("POST %s: unexpected status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}
