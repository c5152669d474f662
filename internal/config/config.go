package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/logger"
	"github.com/spf13/viper"
)

// Config is the supervisor daemon configuration decoded from TOML.
// Agents may be declared inline as [[agents]] blocks or dropped as
// one-file-per-agent TOML under agents_dir; both feed Specs().
type Config struct {
	Env           []string       `toml:"env" mapstructure:"env"`
	EnvFiles      []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv      bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	CheckInterval time.Duration  `toml:"check_interval" mapstructure:"check_interval"`
	Log           *LogConfig     `toml:"log" mapstructure:"log"`
	Server        *ServerConfig  `toml:"server" mapstructure:"server"`
	Store         *StoreConfig   `toml:"store" mapstructure:"store"`
	History       *HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics       *MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	AgentsDir     string         `toml:"agents_dir" mapstructure:"agents_dir"`
	Agents        []AgentConfig  `toml:"agents" mapstructure:"agents"`

	// GlobalEnv is the merged KEY=VALUE environment (OS env when enabled,
	// then env_files in order, then the env list). Populated by LoadConfig.
	GlobalEnv []string `toml:"-" mapstructure:"-"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	PidFile       string     `toml:"pidfile" mapstructure:"pidfile"`
	LogFile       string     `toml:"logfile" mapstructure:"logfile"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type StoreConfig struct {
	DSN      string `toml:"dsn" mapstructure:"dsn"`
	LockFile string `toml:"lock_file" mapstructure:"lock_file"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled   bool             `toml:"enabled" mapstructure:"enabled"`
	Listen    string           `toml:"listen" mapstructure:"listen"`
	Resources *ResourcesConfig `toml:"resources" mapstructure:"resources"`
}

type ResourcesConfig struct {
	Enabled  bool          `toml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// AgentConfig is the TOML shape of one supervised agent. Per-agent [log]
// overrides the supervisor-level log defaults field by field.
type AgentConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	Command       string        `toml:"command" mapstructure:"command"`
	WorkDir       string        `toml:"work_dir" mapstructure:"work_dir"`
	Env           []string      `toml:"env" mapstructure:"env"`
	Mode          string        `toml:"mode" mapstructure:"mode"`
	HotReload     bool          `toml:"hot_reload" mapstructure:"hot_reload"`
	ReloadSignal  string        `toml:"reload_signal" mapstructure:"reload_signal"`
	PIDFile       string        `toml:"pid_file" mapstructure:"pid_file"`
	StartDuration time.Duration `toml:"start_duration" mapstructure:"start_duration"`
	StopSignal    string        `toml:"stop_signal" mapstructure:"stop_signal"`
	CheckInterval time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	Log           *LogConfig    `toml:"log" mapstructure:"log"`
}

// LoadConfig reads the supervisor config, merges the global environment and
// collects per-agent files from agents_dir. Relative agents_dir is resolved
// against the config file's directory.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	genv, err := mergeGlobalEnv(&c)
	if err != nil {
		return nil, err
	}
	c.GlobalEnv = genv

	if c.AgentsDir != "" {
		dir := c.AgentsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		dirAgents, err := loadAgentsDir(dir)
		if err != nil {
			return nil, err
		}
		c.Agents = append(c.Agents, dirAgents...)
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, ac := range c.Agents {
		if ac.Name == "" {
			return nil, fmt.Errorf("agent requires name")
		}
		if _, dup := seen[ac.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", ac.Name)
		}
		seen[ac.Name] = struct{}{}
	}
	return &c, nil
}

// Specs converts the configured agents into runnable specs, applying the
// supervisor-level log defaults and check interval.
func (c *Config) Specs() []agent.Spec {
	specs := make([]agent.Spec, 0, len(c.Agents))
	for _, ac := range c.Agents {
		s := ac.spec(c.Log)
		if s.CheckInterval == 0 {
			s.CheckInterval = c.CheckInterval
		}
		specs = append(specs, s)
	}
	return specs
}

// LoadAgentSpec reads a single-agent config file. A missing name defaults
// to the file's base name, so `vigil run web.toml` supervises "web".
func LoadAgentSpec(path string) (agent.Spec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return agent.Spec{}, err
	}
	var ac AgentConfig
	if err := v.Unmarshal(&ac); err != nil {
		return agent.Spec{}, err
	}
	s := ac.spec(nil)
	if s.Name == "" {
		base := filepath.Base(path)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return s, nil
}

func (ac AgentConfig) spec(defaults *LogConfig) agent.Spec {
	return agent.Spec{
		Name:          ac.Name,
		Command:       ac.Command,
		WorkDir:       ac.WorkDir,
		Env:           ac.Env,
		Mode:          ac.Mode,
		HotReload:     ac.HotReload,
		ReloadSignal:  ac.ReloadSignal,
		PIDFile:       ac.PIDFile,
		StartDuration: ac.StartDuration,
		StopSignal:    ac.StopSignal,
		CheckInterval: ac.CheckInterval,
		Log:           mergeLog(defaults, ac.Log),
	}
}

// mergeLog starts from the supervisor-level defaults and overrides with the
// per-agent block field by field.
func mergeLog(base, override *LogConfig) logger.Config {
	var lc logger.Config
	if base != nil {
		lc = logger.Config{
			Dir:        base.Dir,
			StdoutPath: base.Stdout,
			StderrPath: base.Stderr,
			MaxSizeMB:  base.MaxSizeMB,
			MaxBackups: base.MaxBackups,
			MaxAgeDays: base.MaxAgeDays,
			Compress:   base.Compress,
		}
	}
	if override != nil {
		if override.Dir != "" {
			lc.Dir = override.Dir
		}
		if override.Stdout != "" {
			lc.StdoutPath = override.Stdout
		}
		if override.Stderr != "" {
			lc.StderrPath = override.Stderr
		}
		if override.MaxSizeMB != 0 {
			lc.MaxSizeMB = override.MaxSizeMB
		}
		if override.MaxBackups != 0 {
			lc.MaxBackups = override.MaxBackups
		}
		if override.MaxAgeDays != 0 {
			lc.MaxAgeDays = override.MaxAgeDays
		}
		if override.Compress {
			lc.Compress = true
		}
	}
	return lc
}

func loadAgentsDir(dir string) ([]AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents_dir %s: %w", dir, err)
	}
	var out []AgentConfig
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		v := viper.New()
		v.SetConfigFile(p)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("agent config %s: %w", p, err)
		}
		var ac AgentConfig
		if err := v.Unmarshal(&ac); err != nil {
			return nil, fmt.Errorf("agent config %s: %w", p, err)
		}
		if ac.Name == "" {
			ac.Name = strings.TrimSuffix(e.Name(), ".toml")
		}
		out = append(out, ac)
	}
	return out, nil
}

// LoadGlobalEnv merges env from a config file: OS env (when use_os_env),
// then env_files contents, then the top-level env list last.
func LoadGlobalEnv(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return mergeGlobalEnv(&c)
}

func mergeGlobalEnv(c *Config) ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
