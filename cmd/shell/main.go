package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"prhealth/internal/common"
	"prhealth/internal/entrypoint"
	"prhealth/internal/image"
	"prhealth/internal/installer"
	"prhealth/internal/shell"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version 构建时注入
	Version = "dev"

	configFile  string
	development bool
	exitCode    int
)

var rootCmd = &cobra.Command{
	Use:           "shell",
	Short:         "Install the dependency manifest, then run the entry point in the foreground",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Prepare dependencies and start the entry point",
	RunE: func(cmd *cobra.Command, args []string) error {
		sh, err := newShell()
		if err != nil {
			return err
		}

		// 转发终止信号给入口进程
		sigChan := make(chan os.Signal, 4)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		defer signal.Stop(sigChan)

		exitCode = sh.WithSignals(sigChan).Run(context.Background())
		common.ComponentLogger("shell").Info("Shell exiting",
			zap.String("state", sh.State().Current().String()),
			zap.Int("exit_code", exitCode))
		return nil
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Install the dependency manifest only (image build step)",
	RunE: func(cmd *cobra.Command, args []string) error {
		sh, err := newShell()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sh.Prepare(ctx); err != nil {
			common.ComponentLogger("shell").Error("Prepare failed", zap.Error(err))
			exitCode = common.ExitCode(err)
		}
		return nil
	},
}

var verifyPort int

var verifyImageCmd = &cobra.Command{
	Use:   "verify-image <image>",
	Short: "Check that a built image exposes exactly the declared port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogging(common.LogConfig{}); err != nil {
			return err
		}

		inspector, err := image.NewInspector()
		if err != nil {
			return err
		}
		defer inspector.Close()

		if err := inspector.VerifyDeclaredPort(cmd.Context(), args[0], verifyPort); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s exposes %d/tcp\n", args[0], verifyPort)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/shell.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Enable development mode")
	verifyImageCmd.Flags().IntVar(&verifyPort, "port", common.DeclaredPort, "Port the image must expose")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(verifyImageCmd)
	rootCmd.AddCommand(versionCmd)
}

// newShell 加载配置、初始化日志并装配外壳
func newShell() (*shell.Shell, error) {
	config, err := common.LoadShellConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := initLogging(config.Log); err != nil {
		return nil, err
	}

	logger := common.ComponentLogger("shell")
	logger.Info("Shell configuration",
		zap.String("config_file", configFile),
		zap.String("manifest", config.Manifest),
		zap.Int("port", config.Port),
		zap.Strings("entrypoint", config.EntryPoint.Command))

	cmdInstaller := installer.NewCommandInstaller(config.Installer.Command, installer.ExecRunner{}, config.Installer.Timeout)
	router := &installer.Router{
		Git:     installer.NewGitInstaller(config.Installer.GitCheckoutDir, cmdInstaller, os.Getenv("GITHUB_TOKEN")),
		Default: cmdInstaller,
	}

	return shell.New(config, router, entrypoint.NewExecLauncher()), nil
}

func initLogging(cfg common.LogConfig) error {
	cfg.Development = cfg.Development || development
	if err := common.InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		common.Sync()
		os.Exit(common.ExitCode(err))
	}
	common.Sync()
	os.Exit(exitCode)
}
