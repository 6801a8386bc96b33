// Package logging configures the process-wide logrus setup: output, default
// level, and per-component level overrides.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/citehub/citehub/pkg/config"
)

// Setup hands out per-component loggers. Components are independent logrus
// loggers sharing one output, so a single chatty component can be raised to
// debug without drowning the rest.
type Setup struct {
	out          io.Writer
	file         *os.File
	formatter    logrus.Formatter
	defaultLevel logrus.Level
	overrides    map[string]logrus.Level

	mu      sync.Mutex
	loggers map[string]*logrus.Logger
}

// Init builds the setup from the [logging] config section.
func Init(cfg config.Logging) (*Setup, error) {
	defaultLevel, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	overrides := make(map[string]logrus.Level, len(cfg.Levels))
	for component, level := range cfg.Levels {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging.levels.%s: %w", component, err)
		}
		overrides[component] = parsed
	}

	s := &Setup{
		out:          os.Stderr,
		formatter:    &logrus.TextFormatter{FullTimestamp: true},
		defaultLevel: defaultLevel,
		overrides:    overrides,
		loggers:      make(map[string]*logrus.Logger),
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging.file: %w", err)
		}
		s.file = file
		s.out = file
	}
	return s, nil
}

// Component returns the logger entry for the named component, creating it on
// first use.
func (s *Setup) Component(name string) *logrus.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger, ok := s.loggers[name]
	if !ok {
		logger = logrus.New()
		logger.SetOutput(s.out)
		logger.SetFormatter(s.formatter)

		level := s.defaultLevel
		if override, ok := s.overrides[name]; ok {
			level = override
		}
		logger.SetLevel(level)
		s.loggers[name] = logger
	}
	return logger.WithField("component", name)
}

// Close releases the log file, if any.
func (s *Setup) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
