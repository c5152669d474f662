package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	LogLevel string
	NoColor  bool
	StateDir string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type RunFlags struct {
	ConfigPath    string
	HotReload     bool
	Force         bool
	CheckInterval time.Duration
}

type StopFlags struct {
	Target  string // config path or agent name; empty with All
	All     bool
	Force   bool
	Timeout time.Duration
}

type RestartFlags struct {
	Target    string
	HotReload bool
	Force     bool
	Timeout   time.Duration
}

type StatusFlags struct {
	Target   string
	Watch    bool
	Interval time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
