package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blog-admin/swcache/internal/config"
)

const serviceName = "swcache"

// InitLogger 构建 JSON 日志：配置了 LogFilePath 时写入滚动文件，否则输出到 stdout。
// 每条日志都带上 service 与 origin 字段，同时同步到 logrus 全局实例。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(originHook{origin: cfg.Origin})

	output, outErr := openOutput(cfg)
	logger.SetOutput(output)

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(outErr).Warn("log_file_unavailable")
	}
	return logger, nil
}

// openOutput 打开日志目标；目录不可用时退回 stdout，并把原因交给调用方记录。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// originHook 补充 service/origin 字段，调用方显式给出的同名字段优先。
type originHook struct {
	origin string
}

func (originHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h originHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	if h.origin == "" {
		return nil
	}
	if _, ok := entry.Data["origin"]; !ok {
		entry.Data["origin"] = h.origin
	}
	return nil
}
