// Package logger provides the leveled, colorized console logging used by
// the host demo and the transport's own diagnostic output.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

// Log levels
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSuccess
)

// Logger wraps a zap.SugaredLogger with a colored, leveled API.
type Logger struct {
	level   int
	sugared *zap.SugaredLogger
}

var defaultLogger *Logger

func init() {
	defaultLogger = newLogger(LevelInfo)
}

func newLogger(level int) *Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return &Logger{level: level, sugared: zap.New(core).Sugar()}
}

// SetLevel sets the minimum log level.
func SetLevel(level int) {
	defaultLogger.level = level
}

func (l *Logger) colored(color, prefix, message string) string {
	return fmt.Sprintf("%s[%s]%s %s", color, prefix, ColorReset, message)
}

// Debug logs a debug message (gray).
func Debug(format string, args ...interface{}) {
	if defaultLogger.level <= LevelDebug {
		defaultLogger.sugared.Debug(defaultLogger.colored(ColorGray, "DEBUG", fmt.Sprintf(format, args...)))
	}
}

// Info logs an informational message (white).
func Info(format string, args ...interface{}) {
	if defaultLogger.level <= LevelInfo {
		defaultLogger.sugared.Info(defaultLogger.colored(ColorWhite, "INFO", fmt.Sprintf(format, args...)))
	}
}

// Warn logs a warning message (yellow).
func Warn(format string, args ...interface{}) {
	if defaultLogger.level <= LevelWarn {
		defaultLogger.sugared.Warn(defaultLogger.colored(ColorYellow, "WARN", fmt.Sprintf(format, args...)))
	}
}

// Error logs an error message (red).
func Error(format string, args ...interface{}) {
	if defaultLogger.level <= LevelError {
		defaultLogger.sugared.Error(defaultLogger.colored(ColorRed, "ERROR", fmt.Sprintf(format, args...)))
	}
}

// Success logs a success message (green).
func Success(format string, args ...interface{}) {
	if defaultLogger.level <= LevelSuccess {
		defaultLogger.sugared.Info(defaultLogger.colored(ColorGreen, "SUCCESS", fmt.Sprintf(format, args...)))
	}
}

// Fatal logs a fatal error and exits.
func Fatal(format string, args ...interface{}) {
	defaultLogger.sugared.Error(defaultLogger.colored(ColorRed, "FATAL", fmt.Sprintf(format, args...)))
	os.Exit(1)
}

// InfoCyan logs an info message in cyan, for special highlights.
func InfoCyan(format string, args ...interface{}) {
	if defaultLogger.level <= LevelInfo {
		defaultLogger.sugared.Info(defaultLogger.colored(ColorCyan, "INFO", fmt.Sprintf(format, args...)))
	}
}

// Section prints a section header.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application banner.
func Banner(title, version string) {
	fmt.Printf("\n%s== %s %s(%s)%s ==%s\n\n", ColorCyan, title, ColorGreen, version, ColorCyan, ColorReset)
}
