package grocerycrawler

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface every component receives.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Html(pageURL, html, msg string)
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

type LogOptions struct {
	Site      string
	Dir       string
	Level     string
	Stdout    bool
	MaxSizeMB int
	// Cloud mirrors every entry to Google Cloud Logging when set.
	Cloud *logging.Logger
}

// defaultLogger writes emoji-prefixed lines to stdout and a rotating file.
type defaultLogger struct {
	logger  *log.Logger
	level   logLevel
	htmlDir string
	cloud   *logging.Logger
	closer  io.Closer
}

func newDefaultLogger(opts LogOptions) *defaultLogger {
	if opts.Dir == "" {
		opts.Dir = filepath.Join("storage", "logs")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	directory := filepath.Join(opts.Dir, opts.Site)
	if err := os.MkdirAll(directory, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(directory, "application.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 7,
		MaxAge:     14,
		Compress:   true,
	}
	var w io.Writer = file
	if opts.Stdout {
		w = io.MultiWriter(file, os.Stdout)
	}

	return &defaultLogger{
		logger:  log.New(w, "⏱️ ", log.LstdFlags),
		level:   parseLogLevel(opts.Level),
		htmlDir: filepath.Join(directory, "html"),
		cloud:   opts.Cloud,
		closer:  file,
	}
}

// newWriterLogger logs to w only. HTML dumps are dropped.
func newWriterLogger(w io.Writer, level string) *defaultLogger {
	return &defaultLogger{
		logger: log.New(w, "⏱️ ", log.LstdFlags),
		level:  parseLogLevel(level),
	}
}

func discardLogger() *defaultLogger {
	return newWriterLogger(io.Discard, "error")
}

func (l *defaultLogger) emit(level logLevel, severity logging.Severity, prefix, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Print(prefix + msg)
	if l.cloud != nil {
		l.cloud.Log(logging.Entry{Severity: severity, Payload: msg})
	}
}

func (l *defaultLogger) Debug(format string, args ...interface{}) {
	l.emit(levelDebug, logging.Debug, "🐛 DEBUG: ", format, args...)
}

func (l *defaultLogger) Info(format string, args ...interface{}) {
	l.emit(levelInfo, logging.Info, "📢 INFO: ", format, args...)
}

func (l *defaultLogger) Warn(format string, args ...interface{}) {
	l.emit(levelWarn, logging.Warning, "⚠️ WARN: ", format, args...)
}

func (l *defaultLogger) Error(format string, args ...interface{}) {
	l.emit(levelError, logging.Error, "🛑 ERROR: ", format, args...)
}

func (l *defaultLogger) Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.cloud != nil {
		l.cloud.Log(logging.Entry{Severity: logging.Critical, Payload: msg})
		_ = l.cloud.Flush()
	}
	l.logger.Fatalf("🚨 FATAL: %s", msg)
}

// Html logs msg and keeps a copy of the page for later inspection.
func (l *defaultLogger) Html(pageURL, html, msg string) {
	l.Error("%s [%s]", msg, pageURL)
	if l.htmlDir == "" {
		return
	}
	if err := writePageContentToFile(l.htmlDir, pageURL, html, msg); err != nil {
		l.logger.Printf("⚛️ HTML: %v", err)
	}
}

func (l *defaultLogger) Close() error {
	if l.cloud != nil {
		_ = l.cloud.Flush()
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func writePageContentToFile(directory, pageURL, html, msg string) error {
	if html == "" {
		html = "No Page Content Found"
	}
	html = fmt.Sprintf("<!-- Time: %v \n Page Url: %s \n %s -->\n%s", time.Now(), pageURL, strings.TrimSpace(msg), html)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(directory, generateFilename(pageURL)), []byte(html), 0644)
}
