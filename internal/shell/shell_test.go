package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"prhealth/internal/common"
	"prhealth/internal/entrypoint"
	"prhealth/internal/installer"
	"prhealth/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events 记录安装与启动的先后顺序
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fakeInstaller struct {
	ev   *events
	fail string
}

func (f *fakeInstaller) Install(ctx context.Context, req manifest.Requirement) error {
	f.ev.add("install " + req.Name)
	if req.Name == f.fail {
		return &common.DependencyInstallError{Requirement: req.String(), ExitCode: 1, Cause: errors.New("exit status 1")}
	}
	return nil
}

type fakeProcess struct {
	exitCode int
	exit     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	signals  []os.Signal
	killed   bool
	// 收到该信号时退出
	exitOn os.Signal
}

func newFakeProcess(code int) *fakeProcess {
	return &fakeProcess{exitCode: code, exit: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exitOn := p.exitOn
	p.mu.Unlock()
	if exitOn != nil && sig == exitOn {
		p.finish()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.exitCode = 137
	p.mu.Unlock()
	p.finish()
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exit
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) finish() { p.once.Do(func() { close(p.exit) }) }

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeLauncher struct {
	ev       *events
	proc     *fakeProcess
	err      error
	launches int
	spec     entrypoint.Spec
	onLaunch func()
}

func (f *fakeLauncher) Launch(ctx context.Context, spec entrypoint.Spec) (entrypoint.Process, error) {
	f.ev.add("launch")
	f.launches++
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	if f.onLaunch != nil {
		f.onLaunch()
	}
	return f.proc, nil
}

// blockingInstaller 阻塞到上下文取消
type blockingInstaller struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingInstaller) Install(ctx context.Context, req manifest.Requirement) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return &common.DependencyInstallError{Requirement: req.String(), Cause: ctx.Err()}
}

func testConfig(t *testing.T, requirements string) *common.ShellConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(path, []byte(requirements), 0644))

	config := common.GetDefaultShellConfig()
	config.Manifest = path
	config.Port = common.DeclaredPort
	config.Installer.StampFile = filepath.Join(dir, ".prepared")
	config.EntryPoint.Command = []string{"/app/agent"}
	config.EntryPoint.StopGracePeriod = time.Second
	config.PortProbe.Enabled = false
	return config
}

func TestRunInstallsBeforeLaunch(t *testing.T) {
	ev := &events{}
	proc := newFakeProcess(0)
	proc.finish()
	launcher := &fakeLauncher{ev: ev, proc: proc}
	sh := New(testConfig(t, "requests\nPyYAML\n"), &fakeInstaller{ev: ev}, launcher)

	code := sh.Run(context.Background())
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"install requests", "install PyYAML", "launch"}, ev.all())
	assert.Equal(t, StateStopped, sh.State().Current())
	assert.Equal(t, "8000", launcher.spec.Env["PORT"])

	var states []State
	for _, tr := range sh.State().History() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateReadyToStart, StateRunning, StateStopped}, states)
}

func TestInstallFailureNeverLaunches(t *testing.T) {
	ev := &events{}
	launcher := &fakeLauncher{ev: ev, proc: newFakeProcess(0)}
	sh := New(testConfig(t, "requests\nnonexistent-package-xyz\nPyYAML\n"),
		&fakeInstaller{ev: ev, fail: "nonexistent-package-xyz"}, launcher)

	code := sh.Run(context.Background())
	assert.Equal(t, common.ExitDependencyInstall, code)
	assert.Equal(t, 0, launcher.launches)
	assert.Equal(t, []string{"install requests", "install nonexistent-package-xyz"}, ev.all())
	assert.Equal(t, StateFailed, sh.State().Current())

	// 失败后不能再启动
	_, err := sh.Start(context.Background())
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.Equal(t, 0, launcher.launches)
}

func TestMissingManifestFailsPrepare(t *testing.T) {
	config := testConfig(t, "")
	config.Manifest = filepath.Join(t.TempDir(), "missing.txt")
	ev := &events{}
	launcher := &fakeLauncher{ev: ev, proc: newFakeProcess(0)}
	sh := New(config, &fakeInstaller{ev: ev}, launcher)

	err := sh.Prepare(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.ExitDependencyInstall, common.ExitCode(err))
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestEmptyManifestReachesReady(t *testing.T) {
	ev := &events{}
	sh := New(testConfig(t, "# no dependencies\n"), &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev})

	require.NoError(t, sh.Prepare(context.Background()))
	assert.Equal(t, StateReadyToStart, sh.State().Current())
	assert.Empty(t, ev.all())
}

func TestPrepareStampSkipsReinstall(t *testing.T) {
	config := testConfig(t, "requests\n")
	ev := &events{}

	first := New(config, &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev})
	require.NoError(t, first.Prepare(context.Background()))
	assert.Equal(t, []string{"install requests"}, ev.all())

	second := New(config, &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev})
	require.NoError(t, second.Prepare(context.Background()))
	assert.Equal(t, []string{"install requests"}, ev.all())
	assert.Equal(t, StateReadyToStart, second.State().Current())

	// 清单变化后重新安装
	require.NoError(t, os.WriteFile(config.Manifest, []byte("requests\nPyYAML\n"), 0644))
	third := New(config, &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev})
	require.NoError(t, third.Prepare(context.Background()))
	assert.Equal(t, []string{"install requests", "install requests", "install PyYAML"}, ev.all())
}

func TestPrepareTwiceIsRejected(t *testing.T) {
	ev := &events{}
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev})

	require.NoError(t, sh.Prepare(context.Background()))
	assert.ErrorIs(t, sh.Prepare(context.Background()), common.ErrInvalidTransition)
}

func TestStartOnlyOnce(t *testing.T) {
	ev := &events{}
	proc := newFakeProcess(0)
	proc.finish()
	launcher := &fakeLauncher{ev: ev, proc: proc}
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, launcher)

	require.NoError(t, sh.Prepare(context.Background()))
	code, err := sh.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = sh.Start(context.Background())
	assert.ErrorIs(t, err, common.ErrAlreadyStarted)
	assert.Equal(t, 1, launcher.launches)
}

func TestStartBeforePrepare(t *testing.T) {
	ev := &events{}
	launcher := &fakeLauncher{ev: ev, proc: newFakeProcess(0)}
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, launcher)

	_, err := sh.Start(context.Background())
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.Equal(t, 0, launcher.launches)
}

func TestEntryPointExitCodePropagates(t *testing.T) {
	ev := &events{}
	proc := newFakeProcess(1)
	proc.finish()
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev, proc: proc})

	code := sh.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestLaunchFailure(t *testing.T) {
	ev := &events{}
	launchErr := &common.EntryPointError{Command: "/app/agent", ExitCode: common.ExitCommandNotFound, Cause: os.ErrNotExist}
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev, err: launchErr})

	code := sh.Run(context.Background())
	assert.Equal(t, common.ExitCommandNotFound, code)
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestSignalsForwardedToEntryPoint(t *testing.T) {
	ev := &events{}
	proc := newFakeProcess(0)
	proc.exitOn = syscall.SIGTERM
	signals := make(chan os.Signal, 2)
	launcher := &fakeLauncher{ev: ev, proc: proc, onLaunch: func() {
		signals <- syscall.SIGHUP
		signals <- syscall.SIGTERM
	}}
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, launcher).
		WithSignals(signals)

	code := sh.Run(context.Background())
	assert.Equal(t, 0, code)
	assert.Equal(t, []os.Signal{syscall.SIGHUP, syscall.SIGTERM}, proc.receivedSignals())
	assert.Equal(t, StateStopped, sh.State().Current())
}

func TestStopSignalBeforeStartSkipsLaunch(t *testing.T) {
	ev := &events{}
	launcher := &fakeLauncher{ev: ev, proc: newFakeProcess(0)}
	signals := make(chan os.Signal, 1)
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, launcher).
		WithSignals(signals)

	signals <- syscall.SIGTERM

	code := sh.Run(context.Background())
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
	assert.Equal(t, 0, launcher.launches)
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestStopSignalInterruptsInstall(t *testing.T) {
	ev := &events{}
	launcher := &fakeLauncher{ev: ev, proc: newFakeProcess(0)}
	inst := &blockingInstaller{started: make(chan struct{})}
	signals := make(chan os.Signal, 1)
	sh := New(testConfig(t, "requests\n"), inst, launcher).WithSignals(signals)

	go func() {
		<-inst.started
		signals <- syscall.SIGINT
	}()

	done := make(chan int, 1)
	go func() { done <- sh.Run(context.Background()) }()

	select {
	case code := <-done:
		assert.Equal(t, 128+int(syscall.SIGINT), code)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop signal")
	}
	assert.Equal(t, 0, launcher.launches)
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestHangupBeforeStartIsIgnored(t *testing.T) {
	ev := &events{}
	proc := newFakeProcess(0)
	proc.finish()
	launcher := &fakeLauncher{ev: ev, proc: proc}
	signals := make(chan os.Signal, 1)
	sh := New(testConfig(t, "requests\n"), &fakeInstaller{ev: ev}, launcher).
		WithSignals(signals)

	signals <- syscall.SIGHUP

	assert.Equal(t, 0, sh.Run(context.Background()))
	assert.Equal(t, 1, launcher.launches)
	assert.Empty(t, proc.receivedSignals())
}

func TestGracePeriodKillsEntryPoint(t *testing.T) {
	config := testConfig(t, "requests\n")
	config.EntryPoint.StopGracePeriod = 20 * time.Millisecond
	ev := &events{}
	proc := newFakeProcess(0)
	sh := New(config, &fakeInstaller{ev: ev}, &fakeLauncher{ev: ev, proc: proc})

	require.NoError(t, sh.Prepare(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := sh.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, 137, code)
	assert.True(t, proc.killed)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, proc.receivedSignals())
	assert.Equal(t, StateFailed, sh.State().Current())
}

func TestRunWithRealEntryPoint(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	t.Run("exit code propagates", func(t *testing.T) {
		config := testConfig(t, "")
		config.EntryPoint.Command = []string{"/bin/sh", "-c", "exit 1"}
		sh := New(config, installer.NewCommandInstaller([]string{"true"}, nil, 0), entrypoint.NewExecLauncher())

		assert.Equal(t, 1, sh.Run(context.Background()))
		assert.Equal(t, StateFailed, sh.State().Current())
	})

	t.Run("terminate with clean exit", func(t *testing.T) {
		config := testConfig(t, "")
		marker := filepath.Join(t.TempDir(), "ready")
		config.EntryPoint.Command = []string{"/bin/sh", "-c",
			`trap 'exit 0' TERM; touch "` + marker + `"; while :; do sleep 0.05; done`}
		config.EntryPoint.StopGracePeriod = 5 * time.Second
		signals := make(chan os.Signal, 1)
		sh := New(config, installer.NewCommandInstaller([]string{"true"}, nil, 0), entrypoint.NewExecLauncher()).
			WithSignals(signals)

		go func() {
			assert.Eventually(t, func() bool {
				_, err := os.Stat(marker)
				return err == nil
			}, 5*time.Second, 10*time.Millisecond)
			signals <- syscall.SIGTERM
		}()

		assert.Equal(t, 0, sh.Run(context.Background()))
		assert.Equal(t, StateStopped, sh.State().Current())
	})
}
