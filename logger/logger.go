package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentflow/common"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	levelEnv = "AGENTFLOW_LOG_LEVEL"
	fileEnv  = "AGENTFLOW_LOG_FILE"
)

var (
	mu      sync.Mutex
	current *zerolog.Logger
	closer  io.Closer
)

func init() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Get returns the process logger. Until Configure runs it is a console
// logger at the AGENTFLOW_LOG_LEVEL level.
func Get() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		level, _ := parseLevel(os.Getenv(levelEnv))
		l := withBuildInfo(zerolog.New(consoleWriter()).Level(level))
		current = &l
	}
	return *current
}

// Configure replaces the process logger with one built from config and
// installs it as the global zerolog logger. A log file opened by an
// earlier call is closed.
func Configure(config common.LogConfig) error {
	l, c, err := New(config)
	if err != nil {
		return err
	}
	mu.Lock()
	previous := closer
	current, closer = &l, c
	mu.Unlock()
	zlog.Logger = l
	if previous != nil {
		return previous.Close()
	}
	return nil
}

// Close closes the log file of the configured logger, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// New builds a logger from config. The returned closer is nil unless the
// logger writes to a file.
func New(config common.LogConfig) (zerolog.Logger, io.Closer, error) {
	raw := config.Level
	if env := os.Getenv(levelEnv); env != "" {
		raw = env
	}
	level, err := parseLevel(raw)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var out io.Writer = consoleWriter()
	if config.Format == "json" {
		out = os.Stderr
	}

	var files *dailyFileWriter
	if fileEnabled(config) {
		dir := config.Dir
		if dir == "" {
			if dir, err = common.GetStateHome(); err != nil {
				return zerolog.Logger{}, nil, err
			}
		}
		if files, err = newDailyFileWriter(dir, config.RetentionDays); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		// files always get json so they can be searched with jq
		out = zerolog.MultiLevelWriter(out, files)
	}

	l := withBuildInfo(zerolog.New(out).Level(level))
	if files == nil {
		return l, nil, nil
	}
	return l, files, nil
}

// parseLevel accepts a level name ("debug") or zerolog's numeric value
// ("0"). Empty means info.
func parseLevel(raw string) (zerolog.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return zerolog.Level(n), nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func fileEnabled(config common.LogConfig) bool {
	switch strings.ToLower(os.Getenv(fileEnv)) {
	case "false", "0":
		return false
	case "true", "1":
		return true
	}
	return config.File
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

func withBuildInfo(l zerolog.Logger) zerolog.Logger {
	ctx := l.With().Timestamp()
	if info, ok := debug.ReadBuildInfo(); ok {
		ctx = ctx.Str("go_version", info.GoVersion)
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				ctx = ctx.Str("git_revision", setting.Value)
			}
		}
	}
	return ctx.Logger()
}

const (
	logFilePrefix = "agentflow-"
	logFileSuffix = ".log"
	logFileLayout = "2006-01-02"
)

// dailyFileWriter appends to agentflow-<date>.log in dir, switching files
// at midnight and removing files older than retentionDays. Zero retention
// keeps every file.
type dailyFileWriter struct {
	dir           string
	retentionDays int
	now           func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyFileWriter(dir string, retentionDays int) (*dailyFileWriter, error) {
	w := &dailyFileWriter{dir: dir, retentionDays: retentionDays, now: time.Now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openForToday(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openForToday(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// openForToday must be called with mu held.
func (w *dailyFileWriter) openForToday() error {
	now := w.now()
	day := now.Format(logFileLayout)
	if w.file != nil && w.day == day {
		return nil
	}
	file, err := os.OpenFile(filepath.Join(w.dir, logFilePrefix+day+logFileSuffix), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file, w.day = file, day
	w.prune(now)
	return nil
}

func (w *dailyFileWriter) prune(now time.Time) {
	if w.retentionDays <= 0 {
		return
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -w.retentionDays).Format(logFileLayout)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix)
		if _, err := time.Parse(logFileLayout, day); err != nil {
			continue
		}
		// dates in this layout sort lexically
		if day < cutoff {
			os.Remove(filepath.Join(w.dir, name))
		}
	}
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
