package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet so tests stay independent of flag.CommandLine.
func newTestConfig(t *testing.T, args []string) (*App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c := new(App)
	Register(fs, c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)

	if !c.LogJSON || c.LogLevel != "info" || c.StacktraceLevel != "error" {
		t.Errorf("log defaults = %v %q %q", c.LogJSON, c.LogLevel, c.StacktraceLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.Window != time.Hour {
		t.Errorf("Window = %s, want 1h", c.Window)
	}
	if c.DefaultTopN != 10 || c.MaxTopN != 1000 {
		t.Errorf("top-n = %d/%d", c.DefaultTopN, c.MaxTopN)
	}
	if c.EnableReports || c.EnableTracing || c.EnablePyroscope {
		t.Error("optional integrations should default off")
	}
	if err := Validate(*c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c, _ := newTestConfig(t, []string{
		"-window=15m",
		"-default-top-n=5",
		"-max-top-n=50",
		"-log-json=false",
		"-enable-reports",
		"-report-s3-bucket=reports",
	})
	if c.Window != 15*time.Minute || c.DefaultTopN != 5 || c.MaxTopN != 50 {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.LogJSON || !c.EnableReports || c.ReportS3Bucket != "reports" {
		t.Fatalf("overrides not applied: %+v", c)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("TOPTRACK_WINDOW", "30m")
	t.Setenv("TOPTRACK_HTTP_PORT", "8181")
	t.Setenv("TOPTRACK_MAX_TOP_N", "not-a-number")
	t.Setenv("TOPTRACK_LOG_LEVEL", "debug")

	c, fs := newTestConfig(t, []string{"-log-level=warn"})
	var logged []string
	FillFromEnv(fs, EnvPrefix, func(f string, args ...any) {
		logged = append(logged, f)
	})

	if c.Window != 30*time.Minute {
		t.Errorf("Window = %s, want env value 30m", c.Window)
	}
	if c.HTTPPort != 8181 {
		t.Errorf("HTTPPort = %d, want 8181", c.HTTPPort)
	}
	if c.MaxTopN != 1000 {
		t.Errorf("MaxTopN = %d, invalid env should keep default", c.MaxTopN)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, cli should beat env", c.LogLevel)
	}
	if len(logged) != 2 {
		t.Errorf("logged %d messages, want 2 (invalid env + cli override)", len(logged))
	}
}

func TestValidate(t *testing.T) {
	valid, _ := newTestConfig(t, nil)

	tests := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"zero window", func(c *App) { c.Window = 0 }, "WINDOW must be positive"},
		{"negative window", func(c *App) { c.Window = -time.Second }, "WINDOW must be positive"},
		{"default above max", func(c *App) { c.DefaultTopN = 2000 }, "DEFAULT_TOP_N"},
		{"same ports", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad port", func(c *App) { c.HTTPPort = 70000 }, "invalid HTTP_PORT"},
		{"bad level", func(c *App) { c.LogLevel = "loud" }, "invalid LOG_LEVEL"},
		{"bad sample", func(c *App) { c.TraceSample = 1.5 }, "TRACE_SAMPLE"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT required"},
		{"tracing with scheme", func(c *App) {
			c.EnableTracing = true
			c.OTLPEndpoint = "http://collector"
		}, "host:port"},
		{"tracing with scheme and port", func(c *App) {
			c.EnableTracing = true
			c.OTLPEndpoint = "http://collector:4317"
		}, "host:port"},
		{"tracing with named port", func(c *App) {
			c.EnableTracing = true
			c.OTLPEndpoint = "collector:otlp"
		}, "host:port"},
		{"tracing without host", func(c *App) {
			c.EnableTracing = true
			c.OTLPEndpoint = ":4317"
		}, "host:port"},
		{"pyroscope without server", func(c *App) { c.EnablePyroscope = true }, "PYRO_SERVER"},
		{"reports without bucket", func(c *App) { c.EnableReports = true }, "REPORT_S3_BUCKET"},
		{"report interval", func(c *App) {
			c.EnableReports = true
			c.ReportS3Bucket = "b"
			c.ReportInterval = time.Millisecond
		}, "REPORT_INTERVAL"},
		{"batch size", func(c *App) { c.MaxBatchSize = 0 }, "MAX_BATCH_SIZE"},
		{"rate limit", func(c *App) { c.RateLimitBurst = 0 }, "RATELIMIT"},
		{"drain period", func(c *App) { c.DrainPeriod = -time.Second }, "DRAIN_PERIOD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *valid
			tt.mutate(&c)
			wantErrContains(t, Validate(c), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.Window = 0
	c.HTTPPort = 0
	c.LogLevel = "nope"

	err := Validate(*c)
	for _, sub := range []string{"WINDOW", "HTTP_PORT", "LOG_LEVEL"} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_OTLPEndpointAccepted(t *testing.T) {
	for _, ep := range []string{"localhost:4317", "127.0.0.1:4317", "[::1]:4317", "otel-collector.internal:4317"} {
		c, _ := newTestConfig(t, []string{"-enable-tracing", "-otlp-endpoint=" + ep})
		if err := Validate(*c); err != nil {
			t.Errorf("endpoint %q: %v", ep, err)
		}
	}
}
