// Package agent runs the pull-request project-health analysis.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"prhealth/internal/common"
	"prhealth/internal/github"
	"prhealth/internal/report"
	"prhealth/internal/result"

	"go.uber.org/zap"
)

// ErrRunInProgress 已有运行未结束
var ErrRunInProgress = errors.New("agent run already in progress")

// PullRequestSource 代理所需的 GitHub 操作
type PullRequestSource interface {
	report.RepoReader
	OpenPullRequests(ctx context.Context) ([]github.PullRequest, error)
}

// Analyzer 报告分析
type Analyzer interface {
	AnalyzeSingleReport(ctx context.Context, report string, index int) (string, error)
	AnalyzeReports(ctx context.Context, steps []string) (string, error)
}

// Outcome PR 处理结果
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// RunSummary 一次运行的汇总
type RunSummary struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	PullRequests int       `json:"pull_requests"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Error        string    `json:"error,omitempty"`
}

// Agent PR 健康分析代理
type Agent struct {
	mu        sync.Mutex
	source    PullRequestSource
	analyzer  Analyzer
	extractor *report.Extractor
	sink      result.Sink
	metrics   *common.Metrics
	logger    *zap.Logger

	running bool
	last    *RunSummary
}

// New 创建代理
func New(source PullRequestSource, analyzer Analyzer, extractor *report.Extractor, sink result.Sink, metrics *common.Metrics) *Agent {
	return &Agent{
		source:    source,
		analyzer:  analyzer,
		extractor: extractor,
		sink:      sink,
		metrics:   metrics,
		logger:    common.ComponentLogger("agent"),
	}
}

// Run 处理全部打开的 PR，单个 PR 失败不会中断整次运行
func (a *Agent) Run(ctx context.Context) (*RunSummary, error) {
	if err := a.claim(); err != nil {
		return nil, err
	}
	return a.execute(ctx)
}

// RunAsync 同步占用运行权后在后台执行，结束时回调 done
func (a *Agent) RunAsync(ctx context.Context, done func(*RunSummary, error)) error {
	if err := a.claim(); err != nil {
		return err
	}
	go func() {
		summary, err := a.execute(ctx)
		if done != nil {
			done(summary, err)
		}
	}()
	return nil
}

func (a *Agent) claim() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrRunInProgress
	}
	a.running = true
	return nil
}

func (a *Agent) execute(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{StartedAt: time.Now()}
	err := a.run(ctx, summary)
	summary.FinishedAt = time.Now()
	if err != nil {
		summary.Error = err.Error()
		a.metrics.RecordRun("error")
	} else {
		a.metrics.RecordRun("success")
	}

	a.mu.Lock()
	a.running = false
	a.last = summary
	a.mu.Unlock()

	a.logger.Info("Agent run finished",
		zap.Int("pull_requests", summary.PullRequests),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
		zap.Error(err))
	return summary, err
}

func (a *Agent) run(ctx context.Context, summary *RunSummary) error {
	candidates, err := a.extractor.PossibleProjects(ctx, a.source)
	if err != nil {
		return fmt.Errorf("list possible projects: %w", err)
	}

	prs, err := a.source.OpenPullRequests(ctx)
	if err != nil {
		return fmt.Errorf("list open pull requests: %w", err)
	}
	summary.PullRequests = len(prs)
	if len(prs) == 0 {
		a.logger.Info("No open pull requests found")
		return nil
	}

	for _, pr := range prs {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := a.ProcessPullRequest(ctx, pr, candidates)
		a.metrics.RecordPullRequest(string(outcome))
		switch outcome {
		case OutcomeProcessed:
			summary.Processed++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
			a.logger.Error("Failed to process pull request",
				zap.Int("pr", pr.Number),
				zap.Error(err))
		}
	}
	return nil
}

// ProcessPullRequest 分析单个 PR，每完成一步都会写出中间结果
func (a *Agent) ProcessPullRequest(ctx context.Context, pr github.PullRequest, candidates []string) (Outcome, error) {
	project := a.extractor.ProjectForPR(ctx, pr, candidates)
	if project == "" {
		a.logger.Error("Skipping PR, unable to determine project", zap.Int("pr", pr.Number))
		return OutcomeSkipped, nil
	}

	reports, err := a.extractor.ReportsFromPR(ctx, a.source, pr)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("reports from PR: %w", err)
	}
	repoReports, err := a.extractor.ReportsFromRepo(ctx, a.source, project)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("reports from repository: %w", err)
	}
	reports = append(reports, repoReports...)

	if len(reports) == 0 {
		a.logger.Warn("No reports found for project", zap.String("project", project))
		return OutcomeSkipped, nil
	}

	steps := make([]string, 0, len(reports))
	for i, text := range reports {
		thought, err := a.analyzer.AnalyzeSingleReport(ctx, text, i+1)
		if err != nil {
			return OutcomeFailed, err
		}
		steps = append(steps, fmt.Sprintf("Step %d Analysis:\n%s", i+1, thought))

		if err := a.sink.Write(ctx, result.Entry{
			Project:   project,
			Content:   strings.Join(steps, "\n\n"),
			PR:        pr.Number,
			UpdatedAt: time.Now(),
		}); err != nil {
			return OutcomeFailed, fmt.Errorf("write analysis step: %w", err)
		}
	}

	final, err := a.analyzer.AnalyzeReports(ctx, steps)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := a.sink.Write(ctx, result.Entry{
		Project:   project,
		Content:   "Final Summary:\n" + final,
		Final:     true,
		PR:        pr.Number,
		UpdatedAt: time.Now(),
	}); err != nil {
		return OutcomeFailed, fmt.Errorf("write final summary: %w", err)
	}

	a.logger.Info("Final results processed",
		zap.String("project", project),
		zap.Int("pr", pr.Number),
		zap.Int("reports", len(reports)))
	return OutcomeProcessed, nil
}

// LastRun 最近一次运行的汇总
func (a *Agent) LastRun() (RunSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return RunSummary{}, false
	}
	return *a.last, true
}

// Running 是否有运行在进行中
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
