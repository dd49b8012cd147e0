package signers

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/georgepadayatti/pdfsign/sign/cms"
)

// DefaultKMSTimeout bounds a single remote signing call.
const DefaultKMSTimeout = 30 * time.Second

// KMSClient is the part of the Cloud KMS client the signer uses.
type KMSClient interface {
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
}

// KMSSigner signs digests with an asymmetric key held in Google Cloud KMS.
// Only the certificate chain is local.
type KMSSigner struct {
	Client  KMSClient
	KeyPath string
	chain   []*x509.Certificate
	// Timeout bounds each AsymmetricSign call. Zero means DefaultKMSTimeout.
	Timeout time.Duration
	// PreferPSS must match the key's algorithm for RSA keys.
	PreferPSS bool
}

// NewKMSSigner creates a remote signer for the key version at keyPath.
func NewKMSSigner(client KMSClient, keyPath string, chain []*x509.Certificate) (*KMSSigner, error) {
	if client == nil {
		return nil, NewSigningError(RemoteSigningFailure, "no KMS client", nil)
	}
	if keyPath == "" {
		return nil, NewSigningError(InvalidKey, "empty KMS key path", nil)
	}
	if len(chain) == 0 {
		return nil, NewSigningError(InvalidKey, "no signer certificate", nil)
	}
	return &KMSSigner{Client: client, KeyPath: keyPath, chain: chain, Timeout: DefaultKMSTimeout}, nil
}

// DialKMS opens a Cloud KMS client. Empty endpoint and credentialsFile use
// the library defaults.
func DialKMS(ctx context.Context, endpoint, credentialsFile string) (*kms.KeyManagementClient, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, NewSigningError(RemoteSigningFailure, "creating KMS client", err)
	}
	return client, nil
}

// CertificateChain implements Signer.
func (s *KMSSigner) CertificateChain(context.Context) ([]*x509.Certificate, error) {
	return s.chain, nil
}

// Sign sends digest to KMS once. The call is bounded by Timeout and by ctx;
// failures are never retried here.
func (s *KMSSigner) Sign(ctx context.Context, digest []byte, h crypto.Hash) (*cms.SignatureValue, error) {
	alg, err := cms.SignatureAlgorithmFor(s.chain[0].PublicKey, h, s.PreferPSS)
	if err != nil {
		return nil, NewSigningError(InvalidKey, "signature algorithm", err)
	}
	if len(digest) != h.Size() {
		return nil, NewSigningError(EncodingFailure, fmt.Sprintf("digest is %d bytes, %v needs %d", len(digest), h, h.Size()), nil)
	}

	req := &kmspb.AsymmetricSignRequest{
		Name:         s.KeyPath,
		Digest:       &kmspb.Digest{},
		DigestCrc32C: wrapperspb.Int64(crc32c(digest)),
	}
	switch h {
	case crypto.SHA256:
		req.Digest.Digest = &kmspb.Digest_Sha256{Sha256: digest}
	case crypto.SHA384:
		req.Digest.Digest = &kmspb.Digest_Sha384{Sha384: digest}
	case crypto.SHA512:
		req.Digest.Digest = &kmspb.Digest_Sha512{Sha512: digest}
	default:
		return nil, NewSigningError(InvalidKey, fmt.Sprintf("unsupported hash function %v", h), nil)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultKMSTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx = metadata.AppendToOutgoingContext(callCtx, "x-goog-request-params", "name="+url.QueryEscape(s.KeyPath))

	resp, err := s.Client.AsymmetricSign(callCtx, req, gax.WithRetry(func() gax.Retryer { return nil }))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewSigningError(RemoteSigningFailure, fmt.Sprintf("KMS sign timed out after %s", timeout), err)
		}
		return nil, NewSigningError(RemoteSigningFailure, "KMS sign", err)
	}

	if !resp.GetVerifiedDigestCrc32C() {
		return nil, NewSigningError(RemoteSigningFailure, "KMS did not verify the digest checksum", nil)
	}
	if resp.GetName() != "" && resp.GetName() != s.KeyPath {
		return nil, NewSigningError(RemoteSigningFailure, fmt.Sprintf("KMS answered for key %q", resp.GetName()), nil)
	}
	if len(resp.GetSignature()) == 0 {
		return nil, NewSigningError(RemoteSigningFailure, "KMS returned an empty signature", nil)
	}
	if resp.SignatureCrc32C != nil && resp.SignatureCrc32C.GetValue() != crc32c(resp.GetSignature()) {
		return nil, NewSigningError(RemoteSigningFailure, "signature checksum mismatch", nil)
	}

	return &cms.SignatureValue{Value: resp.GetSignature(), Algorithm: alg}, nil
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, castagnoli))
}
