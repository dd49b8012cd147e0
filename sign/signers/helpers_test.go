package signers

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	serialMu   sync.Mutex
	lastSerial int64
)

func generateCert(t *testing.T, cn string, pub crypto.PublicKey, parent *x509.Certificate, parentKey crypto.Signer, isCA bool) *x509.Certificate {
	t.Helper()
	serialMu.Lock()
	lastSerial++
	serial := lastSerial
	serialMu.Unlock()

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

// testChain returns [leaf, intermediate, root] and the leaf key.
func testChain(t *testing.T) ([]*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	rootKey := generateRSAKey(t)
	root := generateCert(t, "Test Root", &rootKey.PublicKey, nil, rootKey, true)
	interKey := generateRSAKey(t)
	inter := generateCert(t, "Test Intermediate", &interKey.PublicKey, root, rootKey, true)
	leafKey := generateRSAKey(t)
	leaf := generateCert(t, "Test Signer", &leafKey.PublicKey, inter, interKey, false)
	return []*x509.Certificate{leaf, inter, root}, leafKey
}

func selfSigned(t *testing.T) ([]*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key := generateRSAKey(t)
	return []*x509.Certificate{generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)}, key
}

func pemEncode(certs []*x509.Certificate, key *rsa.PrivateKey) (certPEM, keyPEM []byte) {
	for _, c := range certs {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	if key != nil {
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	}
	return certPEM, keyPEM
}

// fakeKMS signs with a local key the way Cloud KMS would.
type fakeKMS struct {
	key crypto.Signer
	// block makes every call wait for its context.
	block bool
	err   error
	// mutate adjusts the response before it is returned.
	mutate func(*kmspb.AsymmetricSignResponse)

	mu       sync.Mutex
	calls    int
	requests []*kmspb.AsymmetricSignRequest
	md       []metadata.MD
	opts     [][]gax.CallOption
}

func (f *fakeKMS) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	md, _ := metadata.FromOutgoingContext(ctx)
	f.md = append(f.md, md)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	var digest []byte
	var h crypto.Hash
	switch d := req.GetDigest().GetDigest().(type) {
	case *kmspb.Digest_Sha256:
		digest, h = d.Sha256, crypto.SHA256
	case *kmspb.Digest_Sha384:
		digest, h = d.Sha384, crypto.SHA384
	case *kmspb.Digest_Sha512:
		digest, h = d.Sha512, crypto.SHA512
	}
	sig, err := f.key.Sign(rand.Reader, digest, h)
	if err != nil {
		return nil, err
	}
	resp := &kmspb.AsymmetricSignResponse{
		Name:                 req.GetName(),
		Signature:            sig,
		SignatureCrc32C:      wrapperspb.Int64(crc32c(sig)),
		VerifiedDigestCrc32C: req.GetDigestCrc32C() != nil && req.GetDigestCrc32C().GetValue() == crc32c(digest),
	}
	if f.mutate != nil {
		f.mutate(resp)
	}
	return resp, nil
}

func (f *fakeKMS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingTimestamper struct{ err error }

func (f failingTimestamper) Timestamp(context.Context, []byte) ([]byte, error) {
	return nil, f.err
}
