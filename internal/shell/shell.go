// Package shell implements the process lifecycle shell: install the
// dependency manifest, then run exactly one entry point in the foreground.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"prhealth/internal/common"
	"prhealth/internal/entrypoint"
	"prhealth/internal/installer"
	"prhealth/internal/manifest"

	"go.uber.org/zap"
)

// terminateSignal 上下文取消时发送给入口进程的信号
var terminateSignal os.Signal = syscall.SIGTERM

// Shell 进程生命周期外壳
type Shell struct {
	mu       sync.Mutex
	config   *common.ShellConfig
	inst     installer.Installer
	launcher entrypoint.Launcher
	state    *StateMachine
	signals  <-chan os.Signal
	started  bool
	logger   *zap.Logger
}

// New 创建外壳
func New(config *common.ShellConfig, inst installer.Installer, launcher entrypoint.Launcher) *Shell {
	return &Shell{
		config:   config,
		inst:     inst,
		launcher: launcher,
		state:    NewStateMachine(),
		logger:   common.ComponentLogger("shell"),
	}
}

// WithSignals 设置需要转发给入口进程的信号来源
func (s *Shell) WithSignals(ch <-chan os.Signal) *Shell {
	s.signals = ch
	return s
}

// State 返回生命周期状态机
func (s *Shell) State() *StateMachine {
	return s.state
}

// Run 依次执行 Prepare 与 Start，返回容器退出码
// 安装期间收到停止信号时取消安装，不再启动入口进程
func (s *Shell) Run(ctx context.Context) int {
	prepareCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		if sig := s.awaitStopSignal(done); sig != nil {
			stopCh <- sig
			cancel()
		}
	}()

	err := s.Prepare(prepareCtx)
	close(done)
	watcher.Wait()
	cancel()

	var stopSig os.Signal
	select {
	case stopSig = <-stopCh:
	default:
		// 安装刚好完成时仍在队列中的信号
		stopSig = s.pendingStopSignal()
	}
	if stopSig != nil {
		return s.abortBeforeStart(stopSig)
	}

	if err != nil {
		s.logger.Error("Prepare failed, entry point will not be started", zap.Error(err))
		return common.ExitCode(err)
	}

	code, err := s.Start(ctx)
	if err != nil {
		s.logger.Error("Entry point failed",
			zap.Int("exit_code", code),
			zap.Error(err))
	}
	return code
}

// Prepare 安装依赖清单中的全部依赖，任一失败即终止
func (s *Shell) Prepare(ctx context.Context) error {
	if current := s.state.Current(); current != StateBuilding {
		return fmt.Errorf("%w: prepare called in state %s", common.ErrInvalidTransition, current)
	}

	m, err := manifest.Load(s.config.Manifest)
	if err != nil {
		return s.failPrepare(&common.DependencyInstallError{
			Requirement: s.config.Manifest,
			Cause:       err,
		})
	}

	digest := m.Digest()
	s.logger.Info("Preparing dependencies",
		zap.String("manifest", s.config.Manifest),
		zap.Int("requirements", m.Len()),
		zap.String("digest", digest))

	if s.stampMatches(digest) {
		s.logger.Info("Manifest already installed, skipping install",
			zap.String("stamp_file", s.config.Installer.StampFile))
		return s.state.Transition(StateReadyToStart, "manifest already installed")
	}

	start := time.Now()
	if err := installer.InstallAll(ctx, s.inst, m); err != nil {
		return s.failPrepare(err)
	}

	if err := s.writeStamp(digest); err != nil {
		s.logger.Warn("Failed to write prepare stamp", zap.Error(err))
	}

	s.logger.Info("Dependencies installed",
		zap.Int("requirements", m.Len()),
		zap.Duration("duration", time.Since(start)))
	return s.state.Transition(StateReadyToStart, "dependencies installed")
}

// Start 启动唯一的入口进程并阻塞到其退出
func (s *Shell) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return common.ExitGeneralFailure, common.ErrAlreadyStarted
	}
	if current := s.state.Current(); current != StateReadyToStart {
		s.mu.Unlock()
		return common.ExitGeneralFailure, fmt.Errorf("%w: start called in state %s", common.ErrInvalidTransition, current)
	}
	s.started = true
	s.mu.Unlock()

	spec := s.entryPointSpec()
	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		_ = s.state.Transition(StateFailed, err.Error())
		return common.ExitCode(err), err
	}

	if err := s.state.Transition(StateRunning, fmt.Sprintf("pid %d", proc.PID())); err != nil {
		return common.ExitGeneralFailure, err
	}

	superviseCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardSignals(ctx, superviseCtx, proc)
	}()

	if s.config.PortProbe.Enabled {
		probe := entrypoint.NewPortProbe(s.config.Port, s.config.PortProbe.Interval, s.config.PortProbe.Timeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			probe.Run(superviseCtx)
		}()
	}

	code, waitErr := proc.Wait()
	cancel()
	wg.Wait()

	if waitErr != nil && code == common.ExitOK {
		code = common.ExitGeneralFailure
	}

	if code == common.ExitOK {
		_ = s.state.Transition(StateStopped, "entry point exited 0")
		return code, nil
	}

	entryErr := &common.EntryPointError{
		Command:  spec.Command[0],
		ExitCode: code,
		Cause:    waitErr,
	}
	_ = s.state.Transition(StateFailed, entryErr.Error())
	return code, entryErr
}

// awaitStopSignal 阻塞直到收到停止信号或 done 关闭
func (s *Shell) awaitStopSignal(done <-chan struct{}) os.Signal {
	signals := s.signals
	for {
		select {
		case <-done:
			return nil
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if isStopSignal(sig) {
				return sig
			}
			s.logger.Info("Ignoring signal before entry point start", zap.String("signal", sig.String()))
		}
	}
}

// pendingStopSignal 非阻塞地取出已排队的停止信号
func (s *Shell) pendingStopSignal() os.Signal {
	for {
		select {
		case sig, ok := <-s.signals:
			if !ok {
				return nil
			}
			if isStopSignal(sig) {
				return sig
			}
		default:
			return nil
		}
	}
}

// abortBeforeStart 入口进程启动前收到停止请求
func (s *Shell) abortBeforeStart(sig os.Signal) int {
	code := signalExitCode(sig)
	if !s.state.Current().IsTerminal() {
		_ = s.state.Transition(StateFailed, "stop requested before start: "+sig.String())
	}
	s.logger.Warn("Stop requested before entry point start",
		zap.String("signal", sig.String()),
		zap.Int("exit_code", code))
	return code
}

func isStopSignal(sig os.Signal) bool {
	return sig == syscall.SIGTERM || sig == syscall.SIGINT || sig == syscall.SIGQUIT
}

// signalExitCode 被信号终止时的退出码 128+n
func signalExitCode(sig os.Signal) int {
	if sysSig, ok := sig.(syscall.Signal); ok {
		return 128 + int(sysSig)
	}
	return common.ExitGeneralFailure
}

// forwardSignals 将收到的信号转发给入口进程，宽限期后强制结束
func (s *Shell) forwardSignals(ctx, superviseCtx context.Context, proc entrypoint.Process) {
	var grace <-chan time.Time
	var timer *time.Timer
	ctxDone := ctx.Done()
	signals := s.signals

	beginStop := func() {
		if timer != nil {
			return
		}
		period := s.config.EntryPoint.StopGracePeriod
		if period <= 0 {
			return
		}
		timer = time.NewTimer(period)
		grace = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-superviseCtx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			s.logger.Info("Received signal", zap.String("signal", sig.String()))
			if err := proc.Signal(sig); err != nil {
				s.logger.Warn("Failed to forward signal", zap.Error(err))
			}
			beginStop()
		case <-ctxDone:
			ctxDone = nil
			s.logger.Info("Context cancelled, stopping entry point")
			if err := proc.Signal(terminateSignal); err != nil {
				s.logger.Warn("Failed to signal entry point", zap.Error(err))
			}
			beginStop()
		case <-grace:
			grace = nil
			s.logger.Warn("Entry point did not exit within grace period",
				zap.Duration("grace_period", s.config.EntryPoint.StopGracePeriod))
			if err := proc.Kill(); err != nil {
				s.logger.Error("Failed to kill entry point", zap.Error(err))
			}
		}
	}
}

// entryPointSpec 根据配置生成启动描述，并导出声明端口
func (s *Shell) entryPointSpec() entrypoint.Spec {
	env := make(map[string]string, len(s.config.EntryPoint.Env)+1)
	for k, v := range s.config.EntryPoint.Env {
		env[k] = v
	}
	if _, ok := env["PORT"]; !ok {
		env["PORT"] = strconv.Itoa(s.config.Port)
	}

	return entrypoint.Spec{
		Command: s.config.EntryPoint.Command,
		Dir:     s.config.EntryPoint.Dir,
		Env:     env,
		LogFile: s.config.EntryPoint.LogFile,
	}
}

func (s *Shell) failPrepare(err error) error {
	if terr := s.state.Transition(StateFailed, err.Error()); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// stampMatches 判断构建期是否已安装过同一份清单
func (s *Shell) stampMatches(digest string) bool {
	path := s.config.Installer.StampFile
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == digest
}

func (s *Shell) writeStamp(digest string) error {
	path := s.config.Installer.StampFile
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(digest+"\n"), 0644)
}
