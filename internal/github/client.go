// Package github wraps the GitHub REST endpoints the agent reads.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"prhealth/internal/common"

	gh "github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

// pageSize GitHub 列表接口单页上限
const pageSize = 100

// PullRequest 拉取请求
type PullRequest struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Description string `json:"description,omitempty"`
	HTMLURL     string `json:"html_url,omitempty"`
}

// FileInfo 仓库内容或 PR 文件条目
type FileInfo struct {
	Name        string `json:"name,omitempty"`
	Path        string `json:"path,omitempty"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	RawURL      string `json:"raw_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// DisplayName 用于日志的文件名
func (f FileInfo) DisplayName() string {
	if f.Filename != "" {
		return f.Filename
	}
	return f.Name
}

// StatusError 非 2xx 响应
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client GitHub 仓库客户端
type Client struct {
	api       *gh.Client
	http      *http.Client
	repoOwner string
	repoName  string
	metrics   *common.Metrics
	logger    *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg common.GitHubConfig, metrics *common.Metrics) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rawBase := cfg.APIURL
	if rawBase == "" {
		rawBase = "https://api.github.com"
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBase, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", cfg.APIURL, err)
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &tokenTransport{
			token:   cfg.Token,
			apiHost: baseURL.Hostname(),
			base:    http.DefaultTransport,
		},
	}
	api := gh.NewClient(httpClient)
	api.BaseURL = baseURL

	return &Client{
		api:       api,
		http:      httpClient,
		repoOwner: cfg.RepoOwner,
		repoName:  cfg.RepoName,
		metrics:   metrics,
		logger:    common.ComponentLogger("github"),
	}, nil
}

// OpenPullRequests 获取全部打开状态的 PR，自动翻页
func (c *Client) OpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	c.logger.Info("Fetching open pull requests")

	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: pageSize},
	}
	var prs []PullRequest
	for {
		page, resp, err := c.api.PullRequests.List(ctx, c.repoOwner, c.repoName, opts)
		err = c.record("pulls", resp, err)
		if err != nil {
			return nil, err
		}
		for _, pr := range page {
			prs = append(prs, PullRequest{
				Number:  pr.GetNumber(),
				Title:   pr.GetTitle(),
				Body:    pr.GetBody(),
				HTMLURL: pr.GetHTMLURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Info("Found open pull requests", zap.Int("count", len(prs)))
	return prs, nil
}

// ListRepoFiles 递归列出路径下的全部文件
func (c *Client) ListRepoFiles(ctx context.Context, path string) ([]FileInfo, error) {
	c.logger.Debug("Listing repository files", zap.String("path", path))

	_, items, resp, err := c.api.Repositories.GetContents(ctx, c.repoOwner, c.repoName, path, nil)
	if err := c.record("contents", resp, err); err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, item := range items {
		switch item.GetType() {
		case "file":
			files = append(files, contentInfo(item))
		case "dir":
			sub, err := c.ListRepoFiles(ctx, item.GetPath())
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}

	c.logger.Debug("Repository files listed",
		zap.String("path", path),
		zap.Int("count", len(files)))
	return files, nil
}

// FileContent 下载文件内容，优先 raw_url，其次 download_url
func (c *Client) FileContent(ctx context.Context, file FileInfo) (string, error) {
	downloadURL := file.RawURL
	if downloadURL == "" {
		downloadURL = file.DownloadURL
	}
	if downloadURL == "" {
		c.logger.Warn("No URL found for file", zap.String("file", file.DisplayName()))
		return "", nil
	}

	c.logger.Debug("Downloading file content", zap.String("file", file.DisplayName()))
	body, err := c.download(ctx, downloadURL)
	c.metrics.RecordGitHubRequest("download", err)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FileByPath 按路径获取文件元数据
func (c *Client) FileByPath(ctx context.Context, path string) (FileInfo, error) {
	content, _, resp, err := c.api.Repositories.GetContents(ctx, c.repoOwner, c.repoName, path, nil)
	if err := c.record("contents", resp, err); err != nil {
		return FileInfo{}, err
	}
	if content == nil {
		return FileInfo{}, fmt.Errorf("%s is a directory", path)
	}
	return contentInfo(content), nil
}

// PullRequestFiles 获取 PR 中变更的全部文件，自动翻页
func (c *Client) PullRequestFiles(ctx context.Context, number int) ([]FileInfo, error) {
	opts := &gh.ListOptions{PerPage: pageSize}
	var files []FileInfo
	for {
		page, resp, err := c.api.PullRequests.ListFiles(ctx, c.repoOwner, c.repoName, number, opts)
		err = c.record("pull_files", resp, err)
		if err != nil {
			return nil, err
		}
		for _, f := range page {
			files = append(files, FileInfo{
				Filename: f.GetFilename(),
				RawURL:   f.GetRawURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Info("Fetched pull request files",
		zap.Int("pr", number),
		zap.Int("count", len(files)))
	return files, nil
}

func contentInfo(item *gh.RepositoryContent) FileInfo {
	return FileInfo{
		Name:        item.GetName(),
		Path:        item.GetPath(),
		Type:        item.GetType(),
		DownloadURL: item.GetDownloadURL(),
	}
}

// record 记录请求指标，并把非 2xx 响应转换为 StatusError
func (c *Client) record(operation string, resp *gh.Response, err error) error {
	if err != nil && resp != nil && resp.Response != nil && resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(err.Error(), 256)}
		if resp.Request != nil {
			statusErr.URL = resp.Request.URL.String()
		}
		var errResp *gh.ErrorResponse
		if errors.As(err, &errResp) && errResp.Message != "" {
			statusErr.Body = truncate(errResp.Message, 256)
		}
		err = statusErr
	} else if err != nil {
		err = fmt.Errorf("%s: %w", operation, err)
	}
	c.metrics.RecordGitHubRequest(operation, err)
	return err
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// tokenTransport 只向 API 主机与 GitHub 自有域名发送令牌
type tokenTransport struct {
	token   string
	apiHost string
	base    http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" || !t.trusted(req.URL) {
		return t.base.RoundTrip(req)
	}
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(authed)
}

func (t *tokenTransport) trusted(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if strings.EqualFold(t.apiHost, host) {
		return true
	}
	return host == "github.com" || strings.HasSuffix(host, ".github.com") ||
		strings.HasSuffix(host, ".githubusercontent.com")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
