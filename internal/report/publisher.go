// Package report exports periodic top-N snapshots to S3. Each report can be
// signed with a KMS key, and an SSM parameter can be pointed at the newest
// object so consumers never list the bucket.
package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/clock"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/tracker"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/window"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/xerrors"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTopN     = 10

	// maxBackoff caps the retry delay after consecutive failures.
	maxBackoff = 5 * time.Minute
)

// Failure stages, used as the metrics label.
const (
	StageSnapshot = "snapshot"
	StageEncode   = "encode"
	StageUpload   = "upload"
	StageSign     = "sign"
	StagePointer  = "pointer"
)

// Source supplies the snapshot to export. *tracker.Service satisfies it.
type Source interface {
	Top(ctx context.Context, n int) (tracker.Snapshot, error)
}

// The AWS client interfaces below are the single calls the publisher makes,
// so tests can stand in for S3, KMS and SSM.

type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Signer interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

type ParameterPutter interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncReportPublished()
	IncReportError(stage string)
	ObserveReportDuration(seconds float64)
	SetReportLastSuccess(t time.Time)
}

type Options struct {
	Logger  log.Logger
	Source  Source
	Metrics Metrics
	Clock   clock.Clock

	S3     ObjectPutter
	Bucket string
	Prefix string

	// KMS and SigningKeyARN enable a detached "<key>.sig" signature object.
	KMS           Signer
	SigningKeyARN string

	// SSM and Parameter enable the latest-report pointer.
	SSM       ParameterPutter
	Parameter string

	N        int
	Interval time.Duration
	App      string
	Version  string

	// NewID names reports. Defaults to random UUIDs.
	NewID func() string
}

// Report is the exported document.
type Report struct {
	ReportID      string         `json:"report_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	WindowSeconds float64        `json:"window_seconds"`
	N             int            `json:"n"`
	App           string         `json:"app"`
	Version       string         `json:"version"`
	Items         []window.Entry `json:"items"`
}

type Publisher struct {
	opts   Options
	logger log.Logger

	consecutiveErrs int
}

func New(opts Options) (*Publisher, error) {
	if opts.Source == nil {
		return nil, xerrors.New("report source is required")
	}
	if opts.S3 == nil || opts.Bucket == "" {
		return nil, xerrors.New("report S3 client and bucket are required")
	}
	if opts.SigningKeyARN != "" && opts.KMS == nil {
		return nil, xerrors.New("report signing key set without a KMS client")
	}
	if opts.Parameter != "" && opts.SSM == nil {
		return nil, xerrors.New("report SSM parameter set without an SSM client")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.N <= 0 {
		opts.N = DefaultTopN
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Publisher{opts: opts, logger: opts.Logger}, nil
}

// PublishOnce exports the current top-N and returns the S3 object key.
func (p *Publisher) PublishOnce(ctx context.Context) (string, error) {
	start := p.opts.Clock.Now()

	snap, err := p.opts.Source.Top(ctx, p.opts.N)
	if err != nil {
		return "", p.fail(StageSnapshot, xerrors.Wrap(err, "take top-n snapshot"))
	}

	rep := Report{
		ReportID:      p.opts.NewID(),
		GeneratedAt:   snap.AsOf.UTC(),
		WindowSeconds: snap.Window.Seconds(),
		N:             p.opts.N,
		App:           p.opts.App,
		Version:       p.opts.Version,
		Items:         snap.Items,
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return "", p.fail(StageEncode, xerrors.Wrap(err, "encode report"))
	}
	digest := sha256.Sum256(body)
	digestHex := cryptoutil.SHA256Hex(body)
	key := ObjectKey(p.opts.Prefix, rep.GeneratedAt, rep.ReportID)

	_, err = p.opts.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(p.opts.Bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(body),
		ContentType:    aws.String("application/json"),
		ChecksumSHA256: aws.String(cryptoutil.SHA256Base64(digest)),
		Metadata: map[string]string{
			"report-id": rep.ReportID,
			"sha256":    digestHex,
		},
	})
	if err != nil {
		return "", p.fail(StageUpload, xerrors.Wrapf(err, "put report s3://%s/%s", p.opts.Bucket, key))
	}

	if p.opts.SigningKeyARN != "" {
		if err := p.sign(ctx, key, digest); err != nil {
			return "", p.fail(StageSign, err)
		}
	}

	if p.opts.Parameter != "" {
		_, err := p.opts.SSM.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(p.opts.Parameter),
			Value:     aws.String(fmt.Sprintf("s3://%s/%s", p.opts.Bucket, key)),
			Type:      ssmtypes.ParameterTypeString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return "", p.fail(StagePointer, xerrors.Wrapf(err, "put SSM parameter %s", p.opts.Parameter))
		}
	}

	end := p.opts.Clock.Now()
	if m := p.opts.Metrics; m != nil {
		m.IncReportPublished()
		m.ObserveReportDuration(end.Sub(start).Seconds())
		m.SetReportLastSuccess(end)
	}
	p.logger.Info(ctx, "published top-n report",
		"report_id", rep.ReportID,
		"bucket", p.opts.Bucket,
		"key", key,
		"items", len(rep.Items),
		"sha256", digestHex,
	)
	return key, nil
}

// sign asks KMS for an ECDSA signature over the report digest and uploads it beside the report.
func (p *Publisher) sign(ctx context.Context, key string, digest [sha256.Size]byte) error {
	out, err := p.opts.KMS.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(p.opts.SigningKeyARN),
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return xerrors.Wrapf(err, "kms sign with %s", p.opts.SigningKeyARN)
	}
	if len(out.Signature) == 0 {
		return xerrors.Newf("kms returned an empty signature for %s", key)
	}

	sigKey := key + ".sig"
	_, err = p.opts.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.opts.Bucket),
		Key:         aws.String(sigKey),
		Body:        bytes.NewReader(out.Signature),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"signing-key":       p.opts.SigningKeyARN,
			"signing-algorithm": string(kmstypes.SigningAlgorithmSpecEcdsaSha256),
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "put signature s3://%s/%s", p.opts.Bucket, sigKey)
	}
	return nil
}

func (p *Publisher) fail(stage string, err error) error {
	if p.opts.Metrics != nil {
		p.opts.Metrics.IncReportError(stage)
	}
	return err
}

// ObjectKey lays reports out by UTC day: prefix/YYYY/MM/DD/<unix>-<id>.json.
func ObjectKey(prefix string, at time.Time, id string) string {
	at = at.UTC()
	name := fmt.Sprintf("%d-%s.json", at.Unix(), id)
	return path.Join(prefix, at.Format("2006/01/02"), name)
}

// Run publishes every Interval until ctx is cancelled. Consecutive failures
// back off exponentially up to five minutes; a success restores the interval.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info(ctx, "report publisher starting",
		"interval", p.opts.Interval.String(),
		"bucket", p.opts.Bucket,
		"n", p.opts.N,
	)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "report publisher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.consecutiveErrs++
				next := p.backoffDuration()
				p.logger.Error(ctx, err, "report publish failed",
					"consecutive_errors", p.consecutiveErrs,
					"next_attempt_in", next.String(),
				)
				ticker.Reset(next)
			} else if p.consecutiveErrs > 0 {
				p.logger.Info(ctx, "report publisher recovered", "had_consecutive_errors", p.consecutiveErrs)
				p.consecutiveErrs = 0
				ticker.Reset(p.opts.Interval)
			}
		}
	}
}

func (p *Publisher) backoffDuration() time.Duration {
	d := p.opts.Interval
	for i := 0; i < p.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
