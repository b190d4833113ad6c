package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/clock"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/health"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/report"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/tracker"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/trackerhttp"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-toptracker/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	var stackLvl slog.Leveler
	if conf.StacktraceLevel != "" {
		sl, _ := log.ParseLevel(conf.StacktraceLevel)
		stackLvl = sl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_reports", conf.EnableReports,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"window", conf.Window.String(),
		"default_top_n", conf.DefaultTopN,
		"max_top_n", conf.MaxTopN,
		"max_batch_size", conf.MaxBatchSize,
		"dedupe_capacity", conf.DedupeCapacity,
		"ratelimit_per_second", conf.RateLimitPerSecond,
		"ratelimit_burst", conf.RateLimitBurst,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"report_s3_bucket", conf.ReportS3Bucket,
		"report_s3_prefix", conf.ReportS3Prefix,
		"report_signing_key_arn", conf.ReportSigningKeyARN,
		"report_ssm_param", conf.ReportSSMParam,
	)

	m := metrics.New()
	m.SetBuildInfo("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Insecure: the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	svc, err := tracker.New(tracker.Options{
		Window:         conf.Window,
		Clock:          clock.System(),
		Logger:         L.With("component", "tracker"),
		Metrics:        m,
		DedupeCapacity: conf.DedupeCapacity,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create tracker")
		os.Exit(1)
	}
	defer svc.Close()
	m.RegisterTracker(svc.Stats)

	if conf.EnableReports {
		pub, err := newPublisher(ctx, L, conf, vi, svc, m)
		if err != nil {
			L.Error(ctx, err, "failed to create report publisher")
			os.Exit(1)
		}
		go func() { _ = pub.Run(ctx) }()
	}

	var gate health.ShutdownGate
	readiness := gate.Probe()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitPerSecond, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// logged once per ip until it is evicted from the visitor table
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	api := trackerhttp.NewAPI(svc, trackerhttp.Options{
		Logger:       L,
		DefaultTopN:  conf.DefaultTopN,
		MaxTopN:      conf.MaxTopN,
		MaxBatchSize: conf.MaxBatchSize,
	})

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		MaxBodyBytes: conf.MaxBodyBytes,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// admin listener: metrics, health and pprof, never exposed publicly
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills the process after its start timeout anyway
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Close("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	svc.Close()
	stopProf()

	L.Info(bg, "shutdown complete")
}

// newPublisher wires the report publisher to S3, plus KMS and SSM when configured.
func newPublisher(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info, src report.Source, m *metrics.ServerMetrics) (*report.Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	opts := report.Options{
		Logger:        L.With("component", "report"),
		Source:        src,
		Metrics:       m,
		Clock:         clock.System(),
		S3:            s3.NewFromConfig(awsCfg),
		Bucket:        conf.ReportS3Bucket,
		Prefix:        conf.ReportS3Prefix,
		SigningKeyARN: conf.ReportSigningKeyARN,
		Parameter:     conf.ReportSSMParam,
		N:             conf.ReportTopN,
		Interval:      conf.ReportInterval,
		App:           v.AppName,
		Version:       vi.Version,
	}
	if conf.ReportSigningKeyARN != "" {
		opts.KMS = kms.NewFromConfig(awsCfg)
	}
	if conf.ReportSSMParam != "" {
		opts.SSM = ssm.NewFromConfig(awsCfg)
	}
	return report.New(opts)
}

func notifySystemd() error {
	// NOTIFY_SOCKET is set when systemd started us with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
