package main

import (
	"errors"
	"flag"
	"io"
	"testing"

	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr error
	}{
		{
			name: "defaults",
			args: nil,
			want: options{configPath: config.DefaultPath},
		},
		{
			name: "all flags",
			args: []string{"-c", "10", "-u", "admin", "-f", "/etc/bluehome.conf", "-l", "/var/log/bluehome.log", "-q"},
			want: options{
				count:      10,
				user:       "admin",
				configPath: "/etc/bluehome.conf",
				logFile:    "/var/log/bluehome.log",
				quiet:      true,
			},
		},
		{
			name: "host without port",
			args: []string{"knx-gw"},
			want: options{configPath: config.DefaultPath, target: "tcp://knx-gw:6720"},
		},
		{
			name: "host with port",
			args: []string{"-c", "1", "192.168.1.20:6721"},
			want: options{count: 1, configPath: config.DefaultPath, target: "tcp://192.168.1.20:6721"},
		},
		{
			name: "unix url",
			args: []string{"unix:///run/knxd"},
			want: options{configPath: config.DefaultPath, target: "unix:///run/knxd"},
		},
		{
			name: "version",
			args: []string{"-version"},
			want: options{configPath: config.DefaultPath, showVersion: true},
		},
		{name: "help", args: []string{"-h"}, wantErr: flag.ErrHelp},
		{name: "unknown flag", args: []string{"-z"}, wantErr: errUsage},
		{name: "negative count", args: []string{"-c", "-5"}, wantErr: errUsage},
		{name: "missing value", args: []string{"-f"}, wantErr: errUsage},
		{name: "two targets", args: []string{"a", "b"}, wantErr: errUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("parseFlags() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseFlags() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			Bus:     config.BusConfig{URL: "tcp://localhost:6720"},
			Logging: config.LoggingConfig{Level: "debug", Output: "stdout"},
		}
	}

	t.Run("no overrides", func(t *testing.T) {
		cfg := base()
		options{}.applyOverrides(cfg)
		if cfg.Bus.URL != "tcp://localhost:6720" || cfg.Logging.Level != "debug" || cfg.Logging.Output != "stdout" {
			t.Errorf("config changed: %+v", cfg)
		}
	})

	t.Run("all overrides", func(t *testing.T) {
		cfg := base()
		options{target: "tcp://gw:6720", logFile: "/tmp/b.log", quiet: true}.applyOverrides(cfg)
		if cfg.Bus.URL != "tcp://gw:6720" {
			t.Errorf("Bus.URL = %q", cfg.Bus.URL)
		}
		if cfg.Logging.Output != "/tmp/b.log" {
			t.Errorf("Logging.Output = %q", cfg.Logging.Output)
		}
		if cfg.Logging.Level != "warn" {
			t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
		}
	})
}
