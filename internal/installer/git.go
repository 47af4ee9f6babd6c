package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"prhealth/internal/common"
	"prhealth/internal/manifest"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// SpecInstaller 安装任意依赖描述
type SpecInstaller interface {
	InstallSpec(ctx context.Context, spec string) error
}

// CloneFunc 将仓库检出到目标目录
type CloneFunc func(ctx context.Context, dest, url, ref string, auth transport.AuthMethod) error

// GitInstaller 先用 go-git 检出源码，再交给包管理器安装本地路径
type GitInstaller struct {
	checkoutDir string
	installer   SpecInstaller
	clone       CloneFunc
	auth        transport.AuthMethod
	logger      *zap.Logger
}

// NewGitInstaller 创建 git 依赖安装器，token 非空时用于 HTTPS 认证
func NewGitInstaller(checkoutDir string, installer SpecInstaller, token string) *GitInstaller {
	gi := &GitInstaller{
		checkoutDir: checkoutDir,
		installer:   installer,
		clone:       cloneRepository,
		logger:      common.ComponentLogger("git-installer"),
	}
	if token != "" {
		gi.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	return gi
}

// WithCloneFunc 替换检出实现
func (gi *GitInstaller) WithCloneFunc(fn CloneFunc) *GitInstaller {
	gi.clone = fn
	return gi
}

// Install 安装一个 git 源依赖
func (gi *GitInstaller) Install(ctx context.Context, req manifest.Requirement) error {
	if !req.IsGit() {
		return &common.DependencyInstallError{
			Requirement: req.String(),
			Cause:       fmt.Errorf("requirement has no git source"),
		}
	}

	dest := filepath.Join(gi.checkoutDir, manifest.NormalizeName(req.Name))
	if err := os.RemoveAll(dest); err != nil {
		return &common.DependencyInstallError{Requirement: req.String(), Cause: err}
	}
	if err := os.MkdirAll(gi.checkoutDir, 0755); err != nil {
		return &common.DependencyInstallError{Requirement: req.String(), Cause: err}
	}

	gi.logger.Info("Cloning git dependency",
		zap.String("name", req.Name),
		zap.String("source", req.Source),
		zap.String("ref", req.Ref),
		zap.String("dest", dest))

	if err := gi.clone(ctx, dest, req.Source, req.Ref, gi.auth); err != nil {
		return &common.DependencyInstallError{
			Requirement: req.String(),
			Cause:       fmt.Errorf("clone: %w", err),
		}
	}

	return gi.installer.InstallSpec(ctx, dest)
}

// cloneRepository 检出仓库并切换到指定引用
func cloneRepository(ctx context.Context, dest, url, ref string, auth transport.AuthMethod) error {
	opts := &git.CloneOptions{
		URL:  url,
		Auth: auth,
	}
	if ref == "" {
		opts.Depth = 1
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return err
	}
	if ref == "" {
		return nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		// 非默认分支只存在于远程引用中
		hash, err = repo.ResolveRevision(plumbing.Revision("origin/" + ref))
		if err != nil {
			return fmt.Errorf("resolve ref %q: %w", ref, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: *hash})
}
