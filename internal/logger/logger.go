package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger represents a file logger for scanner activities
type Logger struct {
	name    string
	logFile *os.File
	logger  *log.Logger
	mu      sync.Mutex
	logDir  string
}

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelRisk    LogLevel = "RISK"
	LogLevelStatus  LogLevel = "STATUS"
)

// NewLogger creates a new file logger under logs/ named after the bot instance
func NewLogger(name string) (*Logger, error) {
	return NewLoggerAt("logs", name)
}

// NewLoggerAt creates a file logger in the given directory. Used by tests
// to keep log files out of the working tree.
func NewLoggerAt(dir, name string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", name, timestamp)
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		name:    name,
		logFile: file,
		logger:  log.New(file, "", 0),
		logDir:  dir,
	}

	l.writeSessionHeader()

	return l, nil
}

// writeSessionHeader writes a session start header to the log
func (l *Logger) writeSessionHeader() {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := fmt.Sprintf(`
================================================================================
🚀 SCANNER SESSION STARTED
================================================================================
Instance: %s
Started: %s
Log File: %s_%s.log
================================================================================
`, l.name, time.Now().Format("2006-01-02 15:04:05"),
		l.name, time.Now().Format("2006-01-02"))

	l.logger.Print(header)
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logEntry := fmt.Sprintf("[%s] [%s] %s", timestamp, level, message)

	l.logger.Println(logEntry)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs a trading action
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Risk logs a risk authority decision
func (l *Logger) Risk(format string, args ...interface{}) {
	l.Log(LogLevelRisk, format, args...)
}

// Status logs scan cycle status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogTradeExecution logs order placement details
func (l *Logger) LogTradeExecution(symbol, direction, ticket string, volume, entry, stopLoss, takeProfit, score float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")

	tradeLog := fmt.Sprintf(`
[%s] [TRADE] ==================== %s %s EXECUTED ====================
✅ Ticket: %s
📦 Volume: %.4f
💰 Entry: %.5f | SL: %.5f | TP: %.5f
📊 Confluence Score: %.2f
=============================================================`,
		timestamp, direction, symbol, ticket, volume, entry, stopLoss, takeProfit, score)

	l.logger.Println(tradeLog)
}

// LogTradeClosed logs a completed trade outcome
func (l *Logger) LogTradeClosed(symbol, direction string, entry, exit, profit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")

	cycleLog := fmt.Sprintf(`
[%s] [TRADE] ==================== %s %s CLOSED ====================
🎯 Entry: %.5f
🚪 Exit: %.5f
💹 Profit: %.2f
=============================================================`,
		timestamp, direction, symbol, entry, exit, profit)

	l.logger.Println(cycleLog)
}

// LogError logs error with context
func (l *Logger) LogError(context string, err error) {
	l.Error("%s: %v", context, err)
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		footer := fmt.Sprintf(`
================================================================================
🛑 SCANNER SESSION ENDED
================================================================================
Ended: %s
================================================================================

`, timestamp)
		l.logger.Print(footer)

		return l.logFile.Close()
	}
	return nil
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", l.name, timestamp)
	return filepath.Join(l.logDir, filename)
}
