package logger

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	globalSugar  *zap.SugaredLogger
	once         sync.Once
)

// fixedWidthColorLevelEncoder 固定宽度（5字符）的彩色日志等级编码器
func fixedWidthColorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := level.CapitalString()
	for len(s) < 5 {
		s += " "
	}
	switch level {
	case zapcore.DebugLevel:
		s = "\x1b[35m" + s + "\x1b[0m" // 紫色
	case zapcore.InfoLevel:
		s = "\x1b[34m" + s + "\x1b[0m" // 蓝色
	case zapcore.WarnLevel:
		s = "\x1b[33m" + s + "\x1b[0m" // 黄色
	case zapcore.ErrorLevel:
		s = "\x1b[31m" + s + "\x1b[0m" // 红色
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		s = "\x1b[31;1m" + s + "\x1b[0m" // 红色加粗
	}
	enc.AppendString(s)
}

// Init 初始化全局日志器，输出到 stderr (stdout 留给 CLI 结果)
// level: debug, info, warn, error
// format: json, console
func Init(level, format string) error {
	return InitWithWriter(level, format, os.Stderr)
}

// InitWithWriter 同 Init，但指定输出位置。只有第一次调用生效。
func InitWithWriter(level, format string, w io.Writer) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = New(level, format, w)
		if err == nil {
			SetLogger(l)
		}
	})
	return err
}

// New 构造一个独立的 Logger，未知级别按 info 处理
func New(level, format string, w io.Writer) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil || level == "" {
		zapLevel = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeLevel = fixedWidthColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		cfg.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			const width = 24
			s := caller.TrimmedPath()
			if len(s) < width {
				s += strings.Repeat(" ", width-len(s))
			}
			enc.AppendString(s)
		}
		cfg.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// SetLogger 替换全局 Logger (测试中可传入 zap.NewNop())
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	globalLogger = l
	globalSugar = l.Sugar()
	mu.Unlock()
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		_ = Init("info", "console")
		mu.RLock()
		l = globalLogger
		mu.RUnlock()
	}
	return l
}

// Sugar 获取 SugaredLogger
func Sugar() *zap.SugaredLogger {
	Get()
	mu.RLock()
	defer mu.RUnlock()
	return globalSugar
}

// Sync 刷新日志缓冲
func Sync() {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

// 便捷方法

// Debug 记录调试信息
func Debug(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 记录信息
func Info(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 记录警告
func Warn(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 记录错误
func Error(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Fatal 记录致命错误并退出
func Fatal(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
}

// With 创建带字段的 Logger
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Named 创建命名 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// Hex 以十六进制记录字节串。不要用于密钥材料。
func Hex(key string, b []byte) zap.Field {
	return zap.String(key, hex.EncodeToString(b))
}

// 便捷字段函数 (从 zap 导出)
var (
	String   = zap.String
	Int      = zap.Int
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Bool     = zap.Bool
	Duration = zap.Duration
	Err      = zap.Error
	Any      = zap.Any
	Strings  = zap.Strings
)
