package report

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/xerrors"
)

// maxReportBytes bounds what Fetch reads from S3.
const maxReportBytes = 8 << 20

type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// DigestVerifier is satisfied by *cryptoutil.KMSVerifier.
type DigestVerifier interface {
	VerifyDigest(ctx context.Context, digest [sha256.Size]byte, signature []byte) error
}

// Fetched is a downloaded report and what was checked about it.
type Fetched struct {
	Bucket string
	Key    string
	SHA256 string
	Signed bool
	Report Report
}

// ParseLocation splits an s3://bucket/key pointer as written to SSM.
func ParseLocation(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(loc), "s3://")
	if !ok {
		return "", "", xerrors.Newf("report location %q is not an s3:// url", loc)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", xerrors.Newf("report location %q needs a bucket and key", loc)
	}
	return bucket, key, nil
}

// Latest reads the pointer parameter the publisher maintains.
func Latest(ctx context.Context, c ParameterGetter, name string) (bucket, key string, err error) {
	out, err := c.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		return "", "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	return ParseLocation(*out.Parameter.Value)
}

// Fetch downloads a report and checks its digest against the sha256 object
// metadata the publisher writes; an object without it is rejected. With a
// verifier it also requires a valid <key>.sig.
func Fetch(ctx context.Context, c ObjectGetter, bucket, key string, v DigestVerifier) (*Fetched, error) {
	body, meta, err := getObject(ctx, c, bucket, key)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(body)
	sum := cryptoutil.SHA256Hex(body)
	want, ok := meta["sha256"]
	if !ok || want == "" {
		return nil, xerrors.Newf("report s3://%s/%s has no sha256 metadata", bucket, key)
	}
	if !cryptoutil.HashEqual(want, sum) {
		return nil, xerrors.Newf("report s3://%s/%s digest mismatch: metadata %s, content %s", bucket, key, want, sum)
	}

	out := &Fetched{Bucket: bucket, Key: key, SHA256: sum}
	if err := json.Unmarshal(body, &out.Report); err != nil {
		return nil, xerrors.Wrapf(err, "decode report s3://%s/%s", bucket, key)
	}

	if v != nil {
		sig, _, err := getObject(ctx, c, bucket, key+".sig")
		if err != nil {
			return nil, err
		}
		if err := v.VerifyDigest(ctx, digest, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify signature for s3://%s/%s", bucket, key)
		}
		out.Signed = true
	}
	return out, nil
}

func getObject(ctx context.Context, c ObjectGetter, bucket, key string) ([]byte, map[string]string, error) {
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxReportBytes+1))
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "read s3://%s/%s", bucket, key)
	}
	if len(body) > maxReportBytes {
		return nil, nil, xerrors.Newf("s3://%s/%s exceeds %d bytes", bucket, key, maxReportBytes)
	}
	return body, out.Metadata, nil
}
