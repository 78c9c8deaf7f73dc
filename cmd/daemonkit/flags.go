package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type StartFlags struct {
	ConfigPath  string
	ID          string
	Command     string
	All         bool
	Direct      bool
	HealthCheck string
}

type StopFlags struct {
	ConfigPath string
	ID         string
	All        bool
	Pattern    string
	Timeout    time.Duration
	Signals    []string
}

type StatusFlags struct {
	ConfigPath string
	ID         string
}

type RunFlags struct {
	ConfigPath    string
	ID            string
	Command       string
	Managed       bool
	NoAutoRestart bool
	MinRuntime    time.Duration
}

type ServiceFlags struct {
	ConfigPath string
	Name       string
	All        bool
	Pattern    string
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
}
