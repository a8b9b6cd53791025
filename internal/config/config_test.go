package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileFillsGaps(t *testing.T) {
	path := writeFile(t, `{
		"server": "0.0.0.0",
		"server_port": 8388,
		"password": "file-secret",
		"method": "rc4",
		"timeout": 120
	}`)

	cfg := &Config{}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	want := &Config{
		Hosts:    []string{"0.0.0.0"},
		Port:     8388,
		Password: "file-secret",
		Method:   "rc4",
		Timeout:  120,
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestFlagsWinOverFile(t *testing.T) {
	path := writeFile(t, `{
		"server": ["127.0.0.1", "::1"],
		"server_port": 8388,
		"password": "file-secret",
		"method": "rc4"
	}`)

	cfg := &Config{
		Port:     9000,
		Password: "flag-secret",
	}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 9000 {
		t.Errorf("port overridden by file: %d", cfg.Port)
	}
	if cfg.Password != "flag-secret" {
		t.Errorf("password overridden by file: %q", cfg.Password)
	}
	if !reflect.DeepEqual(cfg.Hosts, []string{"127.0.0.1", "::1"}) {
		t.Errorf("host list not taken from file: %v", cfg.Hosts)
	}
	if cfg.Method != "rc4" {
		t.Errorf("method not taken from file: %q", cfg.Method)
	}
}

func TestLoadFileErrors(t *testing.T) {
	cfg := &Config{}
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
	if err := cfg.LoadFile(writeFile(t, "{not json")); err == nil {
		t.Error("malformed file accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Hosts: []string{""}, Port: 8388, Password: "x"}, false},
		{"no host", Config{Port: 8388, Password: "x"}, true},
		{"no port", Config{Hosts: []string{""}, Password: "x"}, true},
		{"no password", Config{Hosts: []string{""}, Port: 8388}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateAppliesDefaultTimeout(t *testing.T) {
	cfg := Config{Hosts: []string{""}, Port: 8388, Password: "x"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout default not applied: %d", cfg.Timeout)
	}

	cfg = Config{Hosts: []string{""}, Port: 8388, Password: "x", Timeout: 5}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 5 {
		t.Errorf("explicit timeout clobbered: %d", cfg.Timeout)
	}
}
