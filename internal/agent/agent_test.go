package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"prhealth/internal/github"
	"prhealth/internal/report"
	"prhealth/internal/result"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schedulePath = "tac/project-updates/2025/2025-schedule.md"

type fakeSource struct {
	prs      []github.PullRequest
	prErr    error
	files    []github.FileInfo
	contents map[string]string
	prFiles  map[int][]github.FileInfo
	block    chan struct{}
}

func (f *fakeSource) OpenPullRequests(ctx context.Context) ([]github.PullRequest, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.prs, f.prErr
}

func (f *fakeSource) ListRepoFiles(ctx context.Context, path string) ([]github.FileInfo, error) {
	return f.files, nil
}

func (f *fakeSource) FileContent(ctx context.Context, file github.FileInfo) (string, error) {
	return f.contents[file.DisplayName()], nil
}

func (f *fakeSource) FileByPath(ctx context.Context, path string) (github.FileInfo, error) {
	if path == schedulePath {
		return github.FileInfo{Name: "schedule.md"}, nil
	}
	return github.FileInfo{}, &github.StatusError{URL: path, StatusCode: 404}
}

func (f *fakeSource) PullRequestFiles(ctx context.Context, number int) ([]github.FileInfo, error) {
	return f.prFiles[number], nil
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	reports []string
	failOn  string
}

func (f *fakeAnalyzer) AnalyzeSingleReport(ctx context.Context, text string, index int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return "", errors.New("llm unavailable")
	}
	f.reports = append(f.reports, text)
	return "thought " + text, nil
}

func (f *fakeAnalyzer) AnalyzeReports(ctx context.Context, steps []string) (string, error) {
	return "summary of " + strings.Join(steps, " | "), nil
}

// recordingSink 记录全部写入
type recordingSink struct {
	mu      sync.Mutex
	entries []result.Entry
}

func (r *recordingSink) Write(_ context.Context, entry result.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func newSource() *fakeSource {
	return &fakeSource{
		contents: map[string]string{
			"schedule.md":   "| Date | Project |\n|---|---|\n| 2025-01-09 | FireFly |\n| 2025-01-23 | Besu |\n",
			"firefly-q1.md": "FireFly repo report",
			"pr-update.md":  "FireFly PR report",
			"besu-q1.md":    "besu repo report",
		},
		files: []github.FileInfo{
			{Name: "firefly-q1.md", Type: "file"},
			{Name: "besu-q1.md", Type: "file"},
		},
		prFiles: map[int][]github.FileInfo{
			1: {{Filename: "pr-update.md"}},
		},
	}
}

func TestProcessPullRequestWritesStepsThenSummary(t *testing.T) {
	source := newSource()
	analyzer := &fakeAnalyzer{}
	sink := &recordingSink{}
	ag := New(source, analyzer, report.NewExtractor(schedulePath, nil), sink, nil)

	outcome, err := ag.ProcessPullRequest(context.Background(),
		github.PullRequest{Number: 1, Title: "Quarterly update for FireFly"},
		[]string{"firefly", "besu"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	assert.Equal(t, []string{"FireFly PR report", "FireFly repo report"}, analyzer.reports)

	require.Len(t, sink.entries, 3)
	assert.Equal(t, "Step 1 Analysis:\nthought FireFly PR report", sink.entries[0].Content)
	assert.Equal(t, "Step 1 Analysis:\nthought FireFly PR report\n\nStep 2 Analysis:\nthought FireFly repo report",
		sink.entries[1].Content)
	assert.False(t, sink.entries[1].Final)

	final := sink.entries[2]
	assert.True(t, final.Final)
	assert.Equal(t, "firefly", final.Project)
	assert.Equal(t, 1, final.PR)
	assert.True(t, strings.HasPrefix(final.Content, "Final Summary:\nsummary of Step 1 Analysis:"))
}

func TestProcessPullRequestSkipsUnknownProject(t *testing.T) {
	sink := &recordingSink{}
	ag := New(newSource(), &fakeAnalyzer{}, report.NewExtractor(schedulePath, nil), sink, nil)

	outcome, err := ag.ProcessPullRequest(context.Background(),
		github.PullRequest{Number: 9, Title: "Create something"}, []string{"firefly"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, sink.entries)
}

func TestRunContinuesAfterFailedPullRequest(t *testing.T) {
	source := newSource()
	source.prs = []github.PullRequest{
		{Number: 1, Title: "FireFly update"},
		{Number: 2, Title: "Create something"},
		{Number: 3, Title: "Besu update"},
	}
	analyzer := &fakeAnalyzer{failOn: "FireFly PR"}
	sink := &recordingSink{}
	ag := New(source, analyzer, report.NewExtractor(schedulePath, nil), sink, nil)

	summary, err := ag.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.PullRequests)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, summary.Error)

	last, ok := ag.LastRun()
	require.True(t, ok)
	assert.Equal(t, summary.Processed, last.Processed)
	assert.False(t, ag.Running())
}

func TestRunReportsSourceError(t *testing.T) {
	source := newSource()
	source.prErr = errors.New("bad credentials")
	ag := New(source, &fakeAnalyzer{}, report.NewExtractor(schedulePath, nil), &recordingSink{}, nil)

	summary, err := ag.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, summary.Error, "bad credentials")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	source := newSource()
	source.block = make(chan struct{})
	ag := New(source, &fakeAnalyzer{}, report.NewExtractor(schedulePath, nil), &recordingSink{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := ag.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, ag.Running, time.Second, 5*time.Millisecond)
	_, err := ag.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(source.block)
	require.NoError(t, <-done)

	_, ok := ag.LastRun()
	assert.True(t, ok)
}

func TestRunAsyncClaimsSynchronously(t *testing.T) {
	source := newSource()
	source.block = make(chan struct{})
	ag := New(source, &fakeAnalyzer{}, report.NewExtractor(schedulePath, nil), &recordingSink{}, nil)

	finished := make(chan error, 1)
	require.NoError(t, ag.RunAsync(context.Background(), func(_ *RunSummary, err error) {
		finished <- err
	}))

	// 不等待后台例程调度，第二次请求立即被拒绝
	assert.True(t, ag.Running())
	assert.ErrorIs(t, ag.RunAsync(context.Background(), nil), ErrRunInProgress)
	_, err := ag.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(source.block)
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async run did not finish")
	}
	assert.False(t, ag.Running())
	require.NoError(t, ag.RunAsync(context.Background(), nil))
	require.Eventually(t, func() bool { return !ag.Running() }, time.Second, 5*time.Millisecond)
}
