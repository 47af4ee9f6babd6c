// Package installer installs dependency manifests before the entry point runs.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"prhealth/internal/common"
	"prhealth/internal/manifest"

	"go.uber.org/zap"
)

// Installer 安装单个依赖
type Installer interface {
	Install(ctx context.Context, req manifest.Requirement) error
}

// CommandRunner 执行外部命令
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner 基于 os/exec 的命令执行器
type ExecRunner struct {
	Dir string
	Env []string
}

// Run 执行命令并收集输出
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound):
			exitCode = common.ExitCommandNotFound
		default:
			exitCode = -1
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// CommandInstaller 通过包管理器命令安装依赖
type CommandInstaller struct {
	command []string
	runner  CommandRunner
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandInstaller 创建命令安装器
func NewCommandInstaller(command []string, runner CommandRunner, timeout time.Duration) *CommandInstaller {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CommandInstaller{
		command: command,
		runner:  runner,
		timeout: timeout,
		logger:  common.ComponentLogger("installer"),
	}
}

// Install 安装一个依赖
func (ci *CommandInstaller) Install(ctx context.Context, req manifest.Requirement) error {
	return ci.InstallSpec(ctx, req.String())
}

// InstallSpec 安装任意依赖描述，例如本地检出路径
func (ci *CommandInstaller) InstallSpec(ctx context.Context, spec string) error {
	if len(ci.command) == 0 {
		return fmt.Errorf("%w: installer command is empty", common.ErrInvalidConfiguration)
	}

	if ci.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ci.timeout)
		defer cancel()
	}

	args := append(append([]string{}, ci.command[1:]...), spec)
	ci.logger.Info("Installing dependency",
		zap.String("requirement", spec),
		zap.String("cmd", ci.command[0]),
		zap.Strings("args", args))

	start := time.Now()
	stdout, stderr, exitCode, err := ci.runner.Run(ctx, ci.command[0], args...)
	if err != nil {
		ci.logger.Error("Dependency install command failed",
			zap.String("requirement", spec),
			zap.Int("exit_code", exitCode),
			zap.String("stdout", tail(stdout)),
			zap.String("stderr", tail(stderr)),
			zap.Error(err))
		return &common.DependencyInstallError{
			Requirement: spec,
			ExitCode:    exitCode,
			Stderr:      tail(stderr),
			Cause:       err,
		}
	}

	ci.logger.Info("Dependency installed",
		zap.String("requirement", spec),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Router 按依赖来源分派给不同安装器
type Router struct {
	Git     Installer
	Default Installer
}

// Install 安装一个依赖
func (r *Router) Install(ctx context.Context, req manifest.Requirement) error {
	if req.IsGit() {
		if r.Git == nil {
			return &common.DependencyInstallError{
				Requirement: req.String(),
				Cause:       fmt.Errorf("no git installer configured"),
			}
		}
		return r.Git.Install(ctx, req)
	}
	return r.Default.Install(ctx, req)
}

// InstallAll 按顺序安装全部依赖，遇到第一个失败立即返回
func InstallAll(ctx context.Context, inst Installer, m *manifest.Manifest) error {
	for _, req := range m.Requirements {
		if err := ctx.Err(); err != nil {
			return &common.DependencyInstallError{Requirement: req.String(), Cause: err}
		}
		if err := inst.Install(ctx, req); err != nil {
			var installErr *common.DependencyInstallError
			if errors.As(err, &installErr) {
				return err
			}
			return &common.DependencyInstallError{Requirement: req.String(), Cause: err}
		}
	}
	return nil
}

// tail 截取输出的最后部分，避免日志过大
func tail(b []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}
