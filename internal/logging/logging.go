// Package logging provides the fuzzer's structured logger. It mirrors the
// key/value calling convention used throughout go-ethereum's own log
// package: Info/Warn/Error/Debug take a message followed by alternating
// key, value pairs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the fuzzer-wide structured logger. The zero value is not usable;
// construct one with New.
type Logger struct {
	mu    sync.Mutex
	level slog.Level
	out   io.Writer
	color bool
}

// Options configures a Logger.
type Options struct {
	// Verbosity is one of "crit", "error", "warn", "info", "debug", "trace".
	Verbosity string
	// LogFilePath, if non-empty, additionally rotates log lines into a file
	// via lumberjack (10MB/file, 5 backups, 28 days).
	LogFilePath string
}

var levelNames = map[string]slog.Level{
	"crit":  slog.LevelError + 4,
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": slog.LevelDebug - 4,
}

// ParseLevel resolves a verbosity string to its slog.Level, returning an
// error for anything not in levelNames (a configuration error per spec §7).
func ParseLevel(verbosity string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(verbosity))]
	if !ok {
		return 0, fmt.Errorf("invalid verbosity %q: available levels are crit,error,warn,info,debug,trace", verbosity)
	}
	return lvl, nil
}

// New builds a Logger writing colorized lines to stderr (when attached to a
// terminal) and, optionally, rotated plain lines to a log file.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Verbosity)
	if err != nil {
		return nil, err
	}

	console := colorable.NewColorableStderr()
	var out io.Writer = console
	if opts.LogFilePath != "" {
		fileSink := &lumberjack.Logger{
			Filename:   opts.LogFilePath,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(console, fileSink)
	}

	return &Logger{
		level: lvl,
		out:   out,
		color: color.NoColor == false,
	}, nil
}

func (l *Logger) log(lvl slog.Level, tag string, colorFn func(string, ...interface{}) string, msg string, kv []interface{}) {
	if lvl < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	label := tag
	if l.color {
		label = colorFn(tag)
	}
	b.WriteString(label)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.log(slog.LevelDebug, "DEBG", color.New(color.FgCyan).SprintfFunc(), msg, kv)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log(slog.LevelInfo, "INFO", color.New(color.FgGreen).SprintfFunc(), msg, kv)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log(slog.LevelWarn, "WARN", color.New(color.FgYellow).SprintfFunc(), msg, kv)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log(slog.LevelError, "EROR", color.New(color.FgRed).SprintfFunc(), msg, kv)
}

// Discard returns a Logger that drops everything; handy for tests.
func Discard() *Logger {
	return &Logger{level: slog.LevelError + 8, out: os.Stderr}
}
