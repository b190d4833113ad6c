// Command reportverify downloads a published top-N report, checks its digest
// and optionally its KMS signature, and prints it as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/report"
	v "github.com/keithlinneman/linnemanlabs-toptracker/internal/version"
)

type options struct {
	Location      string
	Param         string
	SigningKeyARN string
	Timeout       time.Duration
	Debug         bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var o options
	fs := flag.CommandLine
	fs.StringVar(&o.Location, "location", "", "report to fetch (s3://bucket/key)")
	fs.StringVar(&o.Param, "ssm-param", "", "SSM parameter holding the latest report location")
	fs.StringVar(&o.SigningKeyARN, "signing-key-arn", "", "KMS key the report must be signed with (optional)")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&o.Debug, "debug", false, "debug logging to stderr")
	flag.Parse()

	lvl, _ := log.ParseLevel("warn")
	if o.Debug {
		lvl, _ = log.ParseLevel("debug")
	}
	L, err := log.New(log.Options{
		App:     v.AppName,
		Version: v.Version,
		Commit:  v.Commit,
		Level:   lvl,
		Writer:  os.Stderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	L = L.With("component", "reportverify")

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	if err := run(ctx, L, o, os.Stdout); err != nil {
		L.Error(ctx, err, "report verification failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, L log.Logger, o options, out io.Writer) error {
	if (o.Location == "") == (o.Param == "") {
		return fmt.Errorf("exactly one of -location or -ssm-param is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	var bucket, key string
	if o.Param != "" {
		bucket, key, err = report.Latest(ctx, ssm.NewFromConfig(awsCfg), o.Param)
	} else {
		bucket, key, err = report.ParseLocation(o.Location)
	}
	if err != nil {
		return err
	}
	L.Debug(ctx, "fetching report", "bucket", bucket, "key", key)

	var verifier report.DigestVerifier
	if o.SigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), o.SigningKeyARN)
	}

	fetched, err := report.Fetch(ctx, s3.NewFromConfig(awsCfg), bucket, key, verifier)
	if err != nil {
		return err
	}
	L.Debug(ctx, "report verified", "sha256", fetched.SHA256, "signed", fetched.Signed)
	return writeResult(out, fetched)
}

type result struct {
	Location string        `json:"location"`
	SHA256   string        `json:"sha256"`
	Signed   bool          `json:"signed"`
	Report   report.Report `json:"report"`
}

func writeResult(w io.Writer, f *report.Fetched) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result{
		Location: fmt.Sprintf("s3://%s/%s", f.Bucket, f.Key),
		SHA256:   f.SHA256,
		Signed:   f.Signed,
		Report:   f.Report,
	})
}
