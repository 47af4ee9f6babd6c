package common

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger 初始化日志系统
func InitLogger(cfg LogConfig) error {
	var config zap.Config

	if cfg.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	// 设置日志级别，环境变量优先
	level := cfg.Level
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = envLevel
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	built, err := config.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	// 可选的滚动文件输出
	if cfg.File != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)),
			config.Level,
		)
		built = built.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	logger = built
	return nil
}

// NewRotatingWriter 创建按大小滚动的文件写入器
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// GetLogger 获取结构化日志记录器
func GetLogger() *zap.Logger {
	if logger == nil {
		// 如果未初始化，使用默认配置
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// ComponentLogger 为特定组件创建带有组件信息的日志记录器
func ComponentLogger(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// Sync 同步日志缓冲区
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
