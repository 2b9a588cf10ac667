package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards events at or above MinLevel (default warn) to
// the log chat, at most RatePerSec per second.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks. Apply rebuilds them; loggers from Logger() pick
// up the new root on their next event.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	tg   *telegramSink

	mu   sync.Mutex
	file *os.File
	path string
}

// New builds the service with cfg applied and returns its root logger.
// The Telegram sink stays silent until SetSender and SetTelegramTarget
// are called.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	s := &Service{tg: newTelegramSink()}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender attaches the Telegram transport.
func (s *Service) SetSender(fn Sender) { s.tg.setSender(fn) }

// SetTelegramTarget sets the log chat. A zero threadID keeps the
// configured one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) { s.tg.setTarget(chatID, threadID) }

// Apply swaps level and sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File.Enabled {
		if w, err := s.openFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			sinks = append(sinks, w)
		}
	} else {
		s.closeFile()
	}
	s.tg.apply(cfg.Telegram)
	if cfg.Telegram.Enabled {
		sinks = append(sinks, s.tg)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// openFile keeps the current file when the path is unchanged.
func (s *Service) openFile(path string) (io.Writer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./cronbot.log"
	}
	if s.file != nil && s.path == path {
		return zerolog.SyncWriter(s.file), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	s.closeFile()
	s.file, s.path = f, path
	return zerolog.SyncWriter(f), nil
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
}

// Close stops the Telegram worker and closes the log file. Events logged
// afterwards go to the console only.
func (s *Service) Close() error {
	s.tg.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFile()
	zl := zerolog.New(consoleWriter()).With().Timestamp().Logger()
	s.root.Store(&zl)
	return nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
