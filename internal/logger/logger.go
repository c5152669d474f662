package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for captured agent output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a supervised agent's stdout/stderr are captured.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<agent>.stdout.log and Dir/<agent>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" toml:"dir" mapstructure:"dir"`                         // base directory for captured output
	StdoutPath string `json:"stdout_path" toml:"stdout_path" mapstructure:"stdout_path"` // explicit stdout path overrides Dir
	StderrPath string `json:"stderr_path" toml:"stderr_path" mapstructure:"stderr_path"` // explicit stderr path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" toml:"max_size_mb" mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `json:"max_backups" toml:"max_backups" mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `json:"max_age_days" toml:"max_age_days" mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `json:"compress" toml:"compress" mapstructure:"compress"`          // gzip rotated files
}

// AgentWriters returns rotating io.WriteClosers capturing stdout and stderr
// of the named agent. Either writer may be nil when no destination is
// configured for that stream.
func (c Config) AgentWriters(agent string) (stdout io.WriteCloser, stderr io.WriteCloser, err error) {
	outPath := c.StdoutPath
	errPath := c.StderrPath
	if outPath == "" && c.Dir != "" {
		outPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", agent))
	}
	if errPath == "" && c.Dir != "" {
		errPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", agent))
	}
	if outPath != "" {
		stdout = c.rotating(outPath)
	}
	if errPath != "" {
		stderr = c.rotating(errPath)
	}
	return stdout, stderr, nil
}

func (c Config) rotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
