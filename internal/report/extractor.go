// Package report works out which project a pull request is about and
// collects the report texts to analyse.
package report

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"prhealth/internal/common"
	"prhealth/internal/github"

	"go.uber.org/zap"
)

// RepoReader 读取仓库内容所需的 GitHub 操作
type RepoReader interface {
	ListRepoFiles(ctx context.Context, path string) ([]github.FileInfo, error)
	FileContent(ctx context.Context, file github.FileInfo) (string, error)
	FileByPath(ctx context.Context, path string) (github.FileInfo, error)
	PullRequestFiles(ctx context.Context, number int) ([]github.FileInfo, error)
}

// NameInferrer 通过模型推断项目名
type NameInferrer interface {
	InferProjectName(ctx context.Context, title, body string) (string, error)
}

var (
	titleNamePattern = regexp.MustCompile(`^([\w\-]+)[\s:]+`)
	bodyNamePattern  = regexp.MustCompile(`(?i)project\s*name\s*[:\-]\s*([\w\-]+)`)
	nonWordPattern   = regexp.MustCompile(`\W+`)
)

// Extractor 报告提取器
type Extractor struct {
	schedulePath string
	inferrer     NameInferrer
	logger       *zap.Logger
}

// NewExtractor 创建提取器，inferrer 可为 nil
func NewExtractor(schedulePath string, inferrer NameInferrer) *Extractor {
	return &Extractor{
		schedulePath: schedulePath,
		inferrer:     inferrer,
		logger:       common.ComponentLogger("report"),
	}
}

// ProjectNameFromPR 依次从标题、正文、模型推断项目名，失败返回空串
func (e *Extractor) ProjectNameFromPR(ctx context.Context, pr github.PullRequest) string {
	if m := titleNamePattern.FindStringSubmatch(pr.Title); m != nil && !strings.EqualFold(m[1], "create") {
		e.logger.Info("Extracted project name from PR title", zap.String("project", m[1]))
		return m[1]
	}

	if m := bodyNamePattern.FindStringSubmatch(pr.Body); m != nil && !strings.EqualFold(m[1], "create") {
		e.logger.Info("Extracted project name from PR body", zap.String("project", m[1]))
		return m[1]
	}

	if e.inferrer != nil {
		name, err := e.inferrer.InferProjectName(ctx, pr.Title, pr.Body)
		if err != nil {
			e.logger.Warn("Project name inference failed", zap.Error(err))
			return ""
		}
		return name
	}

	e.logger.Warn("Failed to extract project name from PR using heuristics", zap.Int("pr", pr.Number))
	return ""
}

// PossibleProjects 从排期表获取候选项目，失败时退回到仓库文件名
func (e *Extractor) PossibleProjects(ctx context.Context, reader RepoReader) ([]string, error) {
	projects, err := e.projectsFromSchedule(ctx, reader)
	if err == nil {
		e.logger.Info("Projects extracted from schedule table", zap.Strings("projects", projects))
		return projects, nil
	}
	e.logger.Warn("Failed to extract projects from schedule file", zap.Error(err))

	files, err := reader.ListRepoFiles(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list repository files: %w", err)
	}

	var candidates []string
	seen := make(map[string]struct{})
	for _, f := range files {
		if f.Type != "file" {
			continue
		}
		for _, token := range nonWordPattern.Split(f.Name, -1) {
			if len(token) <= 2 {
				continue
			}
			token = strings.ToLower(token)
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			candidates = append(candidates, token)
		}
	}

	e.logger.Info("Possible projects from file names", zap.Int("count", len(candidates)))
	return candidates, nil
}

func (e *Extractor) projectsFromSchedule(ctx context.Context, reader RepoReader) ([]string, error) {
	info, err := reader.FileByPath(ctx, e.schedulePath)
	if err != nil {
		return nil, err
	}
	content, err := reader.FileContent(ctx, info)
	if err != nil {
		return nil, err
	}
	return ParseScheduleProjects(content)
}

// ProjectForPR 将 PR 文本与候选项目关联，失败时退回到名称提取
func (e *Extractor) ProjectForPR(ctx context.Context, pr github.PullRequest, candidates []string) string {
	text := strings.ToLower(pr.Title + " " + pr.Body + " " + pr.Description)
	for _, project := range candidates {
		if project != "" && strings.Contains(text, project) {
			e.logger.Info("Determined project from PR text correlation",
				zap.Int("pr", pr.Number),
				zap.String("project", project))
			return project
		}
	}

	e.logger.Warn("Unable to determine project from PR text correlation", zap.Int("pr", pr.Number))
	return e.ProjectNameFromPR(ctx, pr)
}

// FilterReports 过滤出文件名包含项目名的文件
func (e *Extractor) FilterReports(files []github.FileInfo, project string) []github.FileInfo {
	if project == "" {
		return nil
	}
	pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(project))

	var filtered []github.FileInfo
	for _, f := range files {
		if f.Type == "file" && pattern.MatchString(f.Name) {
			filtered = append(filtered, f)
		}
	}
	e.logger.Info("Filtered report files",
		zap.String("project", project),
		zap.Int("count", len(filtered)))
	return filtered
}

// ReportsFromRepo 收集仓库中提及该项目的报告
func (e *Extractor) ReportsFromRepo(ctx context.Context, reader RepoReader, project string) ([]string, error) {
	files, err := reader.ListRepoFiles(ctx, "")
	if err != nil {
		return nil, err
	}

	var reports []string
	lowerProject := strings.ToLower(project)
	for _, f := range e.FilterReports(files, project) {
		content, err := reader.FileContent(ctx, f)
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(content), lowerProject) {
			reports = append(reports, content)
			e.logger.Info("Added report from repository file", zap.String("file", f.Name))
		}
	}
	return reports, nil
}

// ReportsFromPR 优先使用 PR 文件内容，其次使用 PR 文本
func (e *Extractor) ReportsFromPR(ctx context.Context, reader RepoReader, pr github.PullRequest) ([]string, error) {
	if pr.Number > 0 && reader != nil {
		files, err := reader.PullRequestFiles(ctx, pr.Number)
		if err != nil {
			return nil, err
		}
		var reports []string
		for _, f := range files {
			content, err := reader.FileContent(ctx, f)
			if err != nil {
				return nil, err
			}
			if content != "" {
				reports = append(reports, content)
			}
		}
		if len(reports) > 0 {
			e.logger.Info("Extracted reports from PR files",
				zap.Int("pr", pr.Number),
				zap.Int("count", len(reports)))
			return reports, nil
		}
	}

	text := strings.TrimSpace(pr.Body + "\n" + pr.Description)
	if text != "" {
		e.logger.Info("Extracted report from PR text", zap.Int("pr", pr.Number))
		return []string{text}, nil
	}

	e.logger.Warn("No report found in PR content", zap.Int("pr", pr.Number))
	return nil, nil
}
