package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/xerrors"
)

// KeyFetcher is the single KMS call the verifier makes.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks ECDSA_SHA_256 signatures made by a KMS key. The public
// key is fetched once and verification runs locally.
type KMSVerifier struct {
	client KeyFetcher
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client KeyFetcher, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// PublicKey fetches and caches the KMS public key.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	if v.pubKey != nil {
		defer v.mu.RUnlock()
		return v.pubKey, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(v.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return nil, xerrors.Newf("kms key %s is %T, expected an ECDSA key", v.keyARN, pub)
	}

	v.pubKey = pub
	return v.pubKey, nil
}

// VerifyDigest checks an ASN.1 signature over a SHA-256 digest.
func (v *KMSVerifier) VerifyDigest(ctx context.Context, digest [sha256.Size]byte, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
	if key.Curve != elliptic.P256() {
		return xerrors.Newf("unsupported ECDSA curve %s for SHA-256 signatures", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest[:], signature) {
		return xerrors.Newf("ECDSA signature verification failed, key: %s", v.keyARN)
	}
	return nil
}
