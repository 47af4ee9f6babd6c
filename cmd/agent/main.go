package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"prhealth/internal/agent"
	"prhealth/internal/agent/server"
	"prhealth/internal/analysis"
	"prhealth/internal/common"
	"prhealth/internal/github"
	"prhealth/internal/report"
	"prhealth/internal/result"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile  string
	development bool
)

var rootCmd = &cobra.Command{
	Use:           "agent",
	Short:         "Analyse project health reports submitted as pull requests",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent (default)",
	RunE:  runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "agent_config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Enable development mode")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// 加载配置文件
	config, err := common.LoadAgentConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 初始化日志系统
	config.Log.Development = config.Log.Development || development
	if err := common.InitLogger(config.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer common.Sync()

	logger := common.ComponentLogger("agent")
	logger.Info("Starting project health agent",
		zap.String("config_file", configFile),
		zap.String("repo", config.GitHub.RepoOwner+"/"+config.GitHub.RepoName),
		zap.String("llm", config.LLM.ServerURL),
		zap.String("model", config.LLM.Model),
		zap.Bool("serve", config.Server.Enabled))

	metrics := common.NewMetrics()
	gh, err := github.NewClient(config.GitHub, metrics)
	if err != nil {
		return err
	}
	engine := analysis.NewEngine(config.LLM, metrics)
	extractor := report.NewExtractor(config.GitHub.SchedulePath, engine)

	memory := result.NewMemorySink()
	sinks := result.Multi{result.NewFileSink(config.Output.ResultFile), memory}
	if len(config.Output.Kafka.Brokers) > 0 {
		sinks = append(sinks, result.NewKafkaSink(config.Output.Kafka))
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("Failed to close result sinks", zap.Error(err))
		}
	}()

	ag := agent.New(gh, engine, extractor, sinks, metrics)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !config.Server.Enabled {
		_, err := ag.Run(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("Run interrupted by shutdown signal")
			return nil
		}
		return err
	}
	return server.Serve(ctx, config.Server, ag, memory, metrics)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(common.ExitGeneralFailure)
	}
}
