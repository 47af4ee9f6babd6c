package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeclaredPort 镜像对外声明的服务端口
const DeclaredPort = 8000

// LogConfig 日志配置
type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
}

// ShellConfig 进程生命周期外壳配置
type ShellConfig struct {
	Manifest   string           `yaml:"manifest"`
	Port       int              `yaml:"port"`
	Installer  InstallerConfig  `yaml:"installer"`
	EntryPoint EntryPointConfig `yaml:"entrypoint"`
	PortProbe  PortProbeConfig  `yaml:"port_probe"`
	Log        LogConfig        `yaml:"log"`
}

// InstallerConfig 依赖安装配置
type InstallerConfig struct {
	Command        []string      `yaml:"command"`
	GitCheckoutDir string        `yaml:"git_checkout_dir"`
	StampFile      string        `yaml:"stamp_file"`
	Timeout        time.Duration `yaml:"timeout"`
}

// EntryPointConfig 入口进程配置
type EntryPointConfig struct {
	Command         []string          `yaml:"command"`
	Dir             string            `yaml:"dir"`
	Env             map[string]string `yaml:"env"`
	LogFile         string            `yaml:"log_file"`
	StopGracePeriod time.Duration     `yaml:"stop_grace_period"`
}

// PortProbeConfig 端口探测配置
type PortProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AgentConfig PR 健康分析代理配置
type AgentConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	LLM    LLMConfig    `yaml:"llm"`
	Output OutputConfig `yaml:"output"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// GitHubConfig GitHub 仓库配置
type GitHubConfig struct {
	RepoOwner    string        `yaml:"repo_owner"`
	RepoName     string        `yaml:"repo_name"`
	APIURL       string        `yaml:"api_url"`
	SchedulePath string        `yaml:"schedule_path"`
	Timeout      time.Duration `yaml:"timeout"`
	Token        string        `yaml:"-"`
}

// LLMConfig 大模型服务配置
type LLMConfig struct {
	ServerURL string        `yaml:"server_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// OutputConfig 结果输出配置
type OutputConfig struct {
	ResultFile string      `yaml:"result_file"`
	Kafka      KafkaConfig `yaml:"kafka"`
}

// KafkaConfig 结果事件发布配置，Brokers 为空时不启用
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

// GetDefaultShellConfig 获取默认外壳配置
func GetDefaultShellConfig() *ShellConfig {
	return &ShellConfig{
		Manifest: getEnvOrDefault("SHELL_MANIFEST", "requirements.txt"),
		Port:     getEnvIntOrDefault("SHELL_PORT", DeclaredPort),
		Installer: InstallerConfig{
			Command:        []string{"pip", "install", "--no-cache-dir", "--disable-pip-version-check"},
			GitCheckoutDir: "/tmp/prhealth/git",
			StampFile:      ".prepared",
			Timeout:        10 * time.Minute,
		},
		EntryPoint: EntryPointConfig{
			Command:         []string{"/app/agent"},
			Env:             map[string]string{},
			StopGracePeriod: 10 * time.Second,
		},
		PortProbe: PortProbeConfig{
			Enabled:  true,
			Interval: 500 * time.Millisecond,
			Timeout:  30 * time.Second,
		},
	}
}

// GetDefaultAgentConfig 获取默认代理配置
func GetDefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		GitHub: GitHubConfig{
			APIURL:       "https://api.github.com",
			SchedulePath: "tac/project-updates/2025/2025-schedule.md",
			Timeout:      30 * time.Second,
		},
		LLM: LLMConfig{
			ServerURL: "http://localhost:11434",
			Timeout:   5 * time.Minute,
		},
		Output: OutputConfig{
			ResultFile: "results.txt",
			Kafka: KafkaConfig{
				Topic: "project-health",
			},
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    DeclaredPort,
		},
	}
}

// LoadShellConfig 加载外壳配置，配置文件不存在时使用默认值
func LoadShellConfig(path string) (*ShellConfig, error) {
	config := GetDefaultShellConfig()

	if path != "" {
		if err := decodeYAMLFile(path, config); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if manifest := os.Getenv("SHELL_MANIFEST"); manifest != "" {
		config.Manifest = manifest
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadAgentConfig 加载代理配置，配置文件必须存在
func LoadAgentConfig(path string) (*AgentConfig, error) {
	config := GetDefaultAgentConfig()

	if err := decodeYAMLFile(path, config); err != nil {
		return nil, err
	}

	config.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	if url := os.Getenv("LLM_SERVER_URL"); url != "" {
		config.LLM.ServerURL = url
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		config.Output.Kafka.Brokers = splitList(brokers)
	}
	// 外壳通过 PORT 导出声明端口
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, NewValidationError("PORT", "must be an integer", port)
		}
		config.Server.Port = n
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 验证外壳配置
func (c *ShellConfig) Validate() error {
	if strings.TrimSpace(c.Manifest) == "" {
		return NewValidationError("manifest", "cannot be empty", c.Manifest)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewValidationError("port", "must be between 1 and 65535", c.Port)
	}
	if len(c.Installer.Command) == 0 || strings.TrimSpace(c.Installer.Command[0]) == "" {
		return NewValidationError("installer.command", "cannot be empty", c.Installer.Command)
	}
	if len(c.EntryPoint.Command) == 0 || strings.TrimSpace(c.EntryPoint.Command[0]) == "" {
		return NewValidationError("entrypoint.command", "cannot be empty", c.EntryPoint.Command)
	}
	if c.EntryPoint.StopGracePeriod < 0 {
		return NewValidationError("entrypoint.stop_grace_period", "cannot be negative", c.EntryPoint.StopGracePeriod)
	}
	if c.PortProbe.Enabled && c.PortProbe.Interval <= 0 {
		return NewValidationError("port_probe.interval", "must be greater than 0", c.PortProbe.Interval)
	}
	return nil
}

// Validate 验证代理配置
func (c *AgentConfig) Validate() error {
	if c.GitHub.Token == "" {
		return NewValidationError("GITHUB_TOKEN", "environment variable is not set", nil)
	}
	if c.GitHub.RepoOwner == "" {
		return NewValidationError("github.repo_owner", "cannot be empty", c.GitHub.RepoOwner)
	}
	if c.GitHub.RepoName == "" {
		return NewValidationError("github.repo_name", "cannot be empty", c.GitHub.RepoName)
	}
	if c.LLM.ServerURL == "" {
		return NewValidationError("llm.server_url", "cannot be empty", c.LLM.ServerURL)
	}
	if c.LLM.Model == "" {
		return NewValidationError("llm.model", "cannot be empty", c.LLM.Model)
	}
	if c.Output.ResultFile == "" {
		return NewValidationError("output.result_file", "cannot be empty", c.Output.ResultFile)
	}
	if len(c.Output.Kafka.Brokers) > 0 && c.Output.Kafka.Topic == "" {
		return NewValidationError("output.kafka.topic", "required when brokers are set", c.Output.Kafka.Topic)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return NewValidationError("server.port", "must be between 1 and 65535", c.Server.Port)
	}
	if c.Server.Interval < 0 {
		return NewValidationError("server.interval", "cannot be negative", c.Server.Interval)
	}
	return nil
}

// decodeYAMLFile 读取并解析 YAML 文件
func decodeYAMLFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// splitList 按逗号拆分并去除空项
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
