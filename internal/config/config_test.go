package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Concurrency: "auto",
		CmdTimeout:  time.Minute,
		Output:      "plain",
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

func TestValidate(t *testing.T) {
	m := &ViperManager{}

	require.NoError(t, m.Validate(validConfig()))

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-numeric concurrency", func(c *Config) { c.Concurrency = "many" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = "0" }},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }},
		{"negative cmd-timeout", func(c *Config) { c.CmdTimeout = -time.Second }},
		{"bad output mode", func(c *Config) { c.Output = "xml" }},
		{"bad log level", func(c *Config) { c.LogLevel = "debug" }},
		{"bad log format", func(c *Config) { c.LogFormat = "logfmt" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.Error(t, m.Validate(cfg))
		})
	}
}

func TestResolveConcurrency(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		hostCount int
		want      int
		wantErr   bool
	}{
		{"auto below cap", "auto", 5, 5, false},
		{"auto at cap", "auto", 32, 32, false},
		{"auto above cap", "auto", 100, 32, false},
		{"empty means auto", "", 3, 3, false},
		{"explicit value", "10", 50, 10, false},
		{"capped at host count", "64", 5, 5, false},
		{"invalid string", "lots", 5, 0, true},
		{"zero", "0", 5, 0, true},
		{"negative", "-3", 5, 0, true},
		{"no hosts", "auto", 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveConcurrency(tc.input, tc.hostCount)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseTags(t *testing.T) {
	require.Nil(t, ParseTags(""))
	require.Nil(t, ParseTags("   "))
	require.Equal(t, []string{"web"}, ParseTags("web"))
	require.Equal(t, []string{"web", "prod"}, ParseTags("web,prod"))
	require.Equal(t, []string{"web", "prod"}, ParseTags(" web , prod , "))
}
