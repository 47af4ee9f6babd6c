// Package entrypoint launches and supervises the single foreground process.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"prhealth/internal/common"

	"go.uber.org/zap"
)

// Spec 入口进程启动描述
type Spec struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	LogFile string            `json:"log_file"`
	Stdout  io.Writer         `json:"-"`
	Stderr  io.Writer         `json:"-"`
}

// Launcher 启动入口进程
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Process 正在运行的入口进程
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Wait() (int, error)
}

// ExecLauncher 基于 os/exec 的启动器
type ExecLauncher struct {
	logger *zap.Logger
}

// NewExecLauncher 创建启动器
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{
		logger: common.ComponentLogger("entrypoint"),
	}
}

// execProcess os/exec 进程实现
type execProcess struct {
	mu        sync.RWMutex
	cmd       *exec.Cmd
	command   string
	pid       int
	exitCode  int
	isRunning bool
	startTime time.Time
	endTime   time.Time
	logger    *zap.Logger
	closers   []io.Closer
	done      chan struct{}
	waitErr   error
}

// Launch 启动入口进程
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, &common.EntryPointError{
			ExitCode: common.ExitCannotExecute,
			Cause:    fmt.Errorf("%w: empty command", common.ErrInvalidConfiguration),
		}
	}
	name := spec.Command[0]

	l.logger.Info("Starting entry point",
		zap.Strings("command", spec.Command),
		zap.String("dir", spec.Dir))

	// 入口进程不绑定 ctx，停止只通过信号转发完成
	cmd := exec.Command(name, spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = prepareEnvironment(spec.Env)

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var closers []io.Closer
	if spec.LogFile != "" {
		rotating := common.NewRotatingWriter(spec.LogFile, 0, 0)
		closers = append(closers, rotating)
		stdout = io.MultiWriter(stdout, rotating)
		stderr = io.MultiWriter(stderr, rotating)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// 设置进程组，便于信号转发到整个进程树
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, &common.EntryPointError{
			Command:  name,
			ExitCode: startFailureCode(err),
			Cause:    err,
		}
	}

	process := &execProcess{
		cmd:       cmd,
		command:   name,
		pid:       cmd.Process.Pid,
		isRunning: true,
		startTime: time.Now(),
		logger:    l.logger,
		closers:   closers,
		done:      make(chan struct{}),
	}
	go process.reap()

	l.logger.Info("Entry point started",
		zap.String("command", name),
		zap.Int("pid", process.pid))

	return process, nil
}

// reap 等待进程结束并记录退出码
func (p *execProcess) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.isRunning = false
	p.endTime = time.Now()
	p.exitCode = exitCodeOf(p.cmd.ProcessState, err)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.mu.Unlock()

	for _, c := range p.closers {
		c.Close()
	}

	p.logger.Info("Entry point finished",
		zap.String("command", p.command),
		zap.Int("pid", p.pid),
		zap.Int("exit_code", p.exitCode),
		zap.Duration("uptime", p.endTime.Sub(p.startTime)))

	close(p.done)
}

// PID 获取进程 ID
func (p *execProcess) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pid
}

// Signal 向进程组发送信号
func (p *execProcess) Signal(sig os.Signal) error {
	p.mu.RLock()
	running := p.isRunning
	pid := p.pid
	p.mu.RUnlock()

	if !running {
		return nil
	}

	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}

	p.logger.Info("Forwarding signal to entry point",
		zap.Int("pid", pid),
		zap.String("signal", s.String()))

	if err := syscall.Kill(-pid, s); err != nil {
		// 进程组不可用时退回到单进程
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// Kill 强制结束进程组
func (p *execProcess) Kill() error {
	p.mu.RLock()
	running := p.isRunning
	pid := p.pid
	p.mu.RUnlock()

	if !running {
		return nil
	}

	p.logger.Warn("Killing entry point", zap.Int("pid", pid))
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Wait 阻塞直到进程结束，返回退出码
func (p *execProcess) Wait() (int, error) {
	<-p.done

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode, p.waitErr
}

// prepareEnvironment 准备环境变量
func prepareEnvironment(extra map[string]string) []string {
	env := os.Environ()
	for key, value := range extra {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// exitCodeOf 将进程状态转换为退出码，被信号终止时为 128+信号值
func exitCodeOf(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return common.ExitGeneralFailure
		}
		return common.ExitOK
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// startFailureCode 启动失败时的退出码
func startFailureCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return common.ExitCommandNotFound
	}
	return common.ExitCannotExecute
}
