package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// DefaultTimeout is the upstream connect timeout applied when neither
// the flags nor the config file set one.
const DefaultTimeout = 60

// Config is the fully merged server configuration. Flag values are
// filled in first; LoadFile only supplies fields the flags left unset.
type Config struct {
	Hosts    []string
	Port     int
	Password string
	Method   string
	Timeout  int
	PidFile  string
	Verbose  bool
}

// fileConfig mirrors the JSON layout of a shadowsocks config file.
type fileConfig struct {
	Server     hostList `json:"server"`
	ServerPort int      `json:"server_port"`
	Password   string   `json:"password"`
	Method     string   `json:"method"`
	Timeout    int      `json:"timeout"`
}

// hostList accepts either a single bind host or a list of them.
type hostList []string

func (h *hostList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*h = hostList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*h = hostList(many)
	return nil
}

// LoadFile merges the JSON file at path under c: command-line values
// keep precedence, the file fills the gaps.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(c.Hosts) == 0 {
		c.Hosts = fc.Server
	}
	if c.Port == 0 {
		c.Port = fc.ServerPort
	}
	if c.Password == "" {
		c.Password = fc.Password
	}
	if c.Method == "" {
		c.Method = fc.Method
	}
	if c.Timeout == 0 {
		c.Timeout = fc.Timeout
	}
	return nil
}

// Validate checks the mandatory fields and applies defaults.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("no bind host configured")
	}
	if c.Port == 0 {
		return errors.New("no bind port configured")
	}
	if c.Password == "" {
		return errors.New("no password configured")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}
