// Package cfg holds the server configuration. Every field is a flag with an
// inline default and can also be set from the environment.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
)

const EnvPrefix = "TOPTRACK_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool
	DrainPeriod time.Duration

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	Window         time.Duration
	DefaultTopN    int
	MaxTopN        int
	MaxBatchSize   int
	MaxBodyBytes   int64
	DedupeCapacity uint64

	RateLimitPerSecond float64
	RateLimitBurst     int
	TrustedProxyHops   int

	EnableReports       bool
	ReportInterval      time.Duration
	ReportTopN          int
	ReportS3Bucket      string
	ReportS3Prefix      string
	ReportSigningKeyARN string
	ReportSSMParam      string
}

// Register binds all config fields to fs with their defaults.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "lowest level that gets a stack attribute (debug|info|warn|error)")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include error_links in error logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the admin port")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 30*time.Second, "how long readiness fails before listeners stop on shutdown")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (x-scope-orgid)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.DurationVar(&c.Window, "window", time.Hour, "sliding window events are counted over")
	fs.IntVar(&c.DefaultTopN, "default-top-n", 10, "top-n used when a query does not pass n")
	fs.IntVar(&c.MaxTopN, "max-top-n", 1000, "largest n a query may ask for")
	fs.IntVar(&c.MaxBatchSize, "max-batch-size", 500, "max events per batch request")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 256<<10, "max request body size in bytes")
	fs.Uint64Var(&c.DedupeCapacity, "dedupe-capacity", 1_000_000, "max event ids remembered for dedupe (0 = unbounded)")

	fs.Float64Var(&c.RateLimitPerSecond, "ratelimit-per-second", 200, "per-ip request refill rate")
	fs.IntVar(&c.RateLimitBurst, "ratelimit-burst", 400, "per-ip request burst")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server (X-Forwarded-For trust)")

	fs.BoolVar(&c.EnableReports, "enable-reports", false, "publish periodic top-n reports to S3")
	fs.DurationVar(&c.ReportInterval, "report-interval", 5*time.Minute, "how often to publish a report")
	fs.IntVar(&c.ReportTopN, "report-top-n", 10, "keys per published report")
	fs.StringVar(&c.ReportS3Bucket, "report-s3-bucket", "", "s3 bucket reports are written to")
	fs.StringVar(&c.ReportS3Prefix, "report-s3-prefix", "apps/toptracker/reports", "s3 key prefix for reports")
	fs.StringVar(&c.ReportSigningKeyARN, "report-signing-key-arn", "", "KMS key ARN used to sign reports (optional)")
	fs.StringVar(&c.ReportSSMParam, "report-ssm-param", "", "SSM parameter updated with the latest report key (optional)")
}

// FillFromEnv sets every flag not passed on the command line from
// PREFIX_FLAG_NAME. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// Validate reports every invalid field at once.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if c.DrainPeriod < 0 || c.DrainPeriod > 5*time.Minute {
		add("DRAIN_PERIOD must be 0..5m (got %s)", c.DrainPeriod)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL: %w", err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if err := checkHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if c.Window <= 0 {
		add("WINDOW must be positive (got %s)", c.Window)
	}
	if c.MaxTopN < 1 {
		add("MAX_TOP_N must be at least 1 (got %d)", c.MaxTopN)
	}
	if c.DefaultTopN < 0 || c.DefaultTopN > c.MaxTopN {
		add("DEFAULT_TOP_N must be 0..MAX_TOP_N (got %d, max %d)", c.DefaultTopN, c.MaxTopN)
	}
	if c.MaxBatchSize < 1 {
		add("MAX_BATCH_SIZE must be at least 1 (got %d)", c.MaxBatchSize)
	}
	if c.MaxBodyBytes < 1024 {
		add("MAX_BODY_BYTES must be at least 1024 (got %d)", c.MaxBodyBytes)
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst < 1 {
		add("RATELIMIT_PER_SECOND must be > 0 and RATELIMIT_BURST >= 1 (got %.2f, %d)", c.RateLimitPerSecond, c.RateLimitBurst)
	}
	if c.TrustedProxyHops < 0 {
		add("TRUSTED_PROXY_HOPS must not be negative (got %d)", c.TrustedProxyHops)
	}

	if c.EnableReports {
		if c.ReportS3Bucket == "" {
			add("REPORT_S3_BUCKET required when ENABLE_REPORTS=true")
		}
		if c.ReportInterval < time.Second {
			add("REPORT_INTERVAL must be at least 1s (got %s)", c.ReportInterval)
		}
		if c.ReportTopN < 1 || c.ReportTopN > c.MaxTopN {
			add("REPORT_TOP_N must be 1..MAX_TOP_N (got %d)", c.ReportTopN)
		}
	}

	return errors.Join(errs...)
}

// checkHostPort accepts host:port with a numeric port and no url scheme.
func checkHostPort(s string) error {
	if strings.Contains(s, "://") {
		return errors.New("url scheme not allowed")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port %q must be 1..65535", port)
	}
	return nil
}
