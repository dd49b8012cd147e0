package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

// keySigner signs digests with a local key.
type keySigner struct {
	key crypto.Signer
	pss bool
}

func (s keySigner) Sign(_ context.Context, digest []byte, h crypto.Hash) (*SignatureValue, error) {
	alg, err := SignatureAlgorithmFor(s.key.Public(), h, s.pss)
	if err != nil {
		return nil, err
	}
	var opts crypto.SignerOpts = h
	if s.pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	value, err := s.key.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, err
	}
	return &SignatureValue{Value: value, Algorithm: alg}, nil
}

type failingSigner struct{ err error }

func (s failingSigner) Sign(context.Context, []byte, crypto.Hash) (*SignatureValue, error) {
	return nil, s.err
}

type emptySigner struct{}

func (emptySigner) Sign(context.Context, []byte, crypto.Hash) (*SignatureValue, error) {
	return &SignatureValue{}, nil
}

type failingTimestamper struct{}

func (failingTimestamper) Timestamp(context.Context, []byte) ([]byte, error) {
	return nil, timestamps.ErrTimestampFailed
}

var serial int64 = 100

// generateCert issues a certificate for pub. A nil parent makes it
// self-signed with signerKey.
func generateCert(t *testing.T, cn string, pub crypto.PublicKey, parent *x509.Certificate, signerKey crypto.Signer, isCA bool) *x509.Certificate {
	t.Helper()
	serial++
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
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signerKey)
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

// generateChain returns [leaf, intermediate, root] and the leaf key.
func generateChain(t *testing.T) ([]*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	rootKey := generateRSAKey(t)
	root := generateCert(t, "Test Root", &rootKey.PublicKey, nil, rootKey, true)
	interKey := generateRSAKey(t)
	inter := generateCert(t, "Test Intermediate", &interKey.PublicKey, root, rootKey, true)
	leafKey := generateRSAKey(t)
	leaf := generateCert(t, "Test Signer", &leafKey.PublicKey, inter, interKey, false)
	return []*x509.Certificate{leaf, inter, root}, leafKey
}

func TestBuilderBuild(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)

	content := []byte("Test data to sign")
	digest := sha256.Sum256(content)
	signingTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	b := NewBuilder([]*x509.Certificate{cert}, crypto.SHA256)
	b.SigningTime = signingTime
	der, err := b.Build(context.Background(), digest[:], keySigner{key: key})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	info, err := Inspect(der)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if err := info.CheckContent(content); err != nil {
		t.Errorf("CheckContent failed: %v", err)
	}
	if err := info.CheckSignature(); err != nil {
		t.Errorf("CheckSignature failed: %v", err)
	}
	if !info.SigningTime.Equal(signingTime) {
		t.Errorf("SigningTime = %v, want %v", info.SigningTime, signingTime)
	}
	if info.DigestAlgorithm != crypto.SHA256 {
		t.Errorf("DigestAlgorithm = %v", info.DigestAlgorithm)
	}
	if info.TimestampToken != nil {
		t.Error("unexpected timestamp token")
	}
	if !info.SignatureAlgorithm.Algorithm.Equal(OIDSHA256WithRSA) {
		t.Errorf("SignatureAlgorithm = %v", info.SignatureAlgorithm.Algorithm)
	}
}

func TestBuilderChainOrdering(t *testing.T) {
	chain, leafKey := generateChain(t)
	digest := sha256.Sum256([]byte("content"))

	der, err := NewBuilder(chain, crypto.SHA256).Build(context.Background(), digest[:], keySigner{key: leafKey})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	info, err := Inspect(der)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}

	if len(info.Certificates) != 3 {
		t.Fatalf("expected 3 certificates, got %d", len(info.Certificates))
	}
	for _, want := range chain {
		found := false
		for _, got := range info.Certificates {
			if got.Equal(want) {
				found = true
			}
		}
		if !found {
			t.Errorf("certificate %q missing from the set", want.Subject.CommonName)
		}
	}

	if info.Signer == nil || !info.Signer.Equal(chain[0]) {
		t.Fatal("signer info does not reference the leaf")
	}
	if !bytes.Equal(info.SID.Issuer.FullBytes, chain[0].RawIssuer) || info.SID.SerialNumber.Cmp(chain[0].SerialNumber) != 0 {
		t.Error("issuer and serial do not match the leaf")
	}
	if err := info.CheckSignature(); err != nil {
		t.Errorf("CheckSignature failed: %v", err)
	}
}

func TestBuilderAlgorithms(t *testing.T) {
	rsaKey := generateRSAKey(t)
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)

	tests := []struct {
		name    string
		key     crypto.Signer
		hash    crypto.Hash
		pss     bool
		wantOID asn1.ObjectIdentifier
	}{
		{"rsa sha256", rsaKey, crypto.SHA256, false, OIDSHA256WithRSA},
		{"rsa sha384", rsaKey, crypto.SHA384, false, OIDSHA384WithRSA},
		{"rsa sha512", rsaKey, crypto.SHA512, false, OIDSHA512WithRSA},
		{"rsa pss sha256", rsaKey, crypto.SHA256, true, OIDRSAPSS},
		{"rsa pss sha512", rsaKey, crypto.SHA512, true, OIDRSAPSS},
		{"ecdsa p256", p256, crypto.SHA256, false, OIDECDSAWithSHA256},
		{"ecdsa p384", p384, crypto.SHA384, false, OIDECDSAWithSHA384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := generateCert(t, "Signer", tt.key.Public(), nil, tt.key, false)
			h := tt.hash.New()
			h.Write([]byte("content"))

			der, err := NewBuilder([]*x509.Certificate{cert}, tt.hash).Build(context.Background(), h.Sum(nil), keySigner{key: tt.key, pss: tt.pss})
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			info, err := Inspect(der)
			if err != nil {
				t.Fatalf("Inspect failed: %v", err)
			}
			if !info.SignatureAlgorithm.Algorithm.Equal(tt.wantOID) {
				t.Errorf("SignatureAlgorithm = %v, want %v", info.SignatureAlgorithm.Algorithm, tt.wantOID)
			}
			if err := info.CheckContent([]byte("content")); err != nil {
				t.Errorf("CheckContent failed: %v", err)
			}
			if err := info.CheckSignature(); err != nil {
				t.Errorf("CheckSignature failed: %v", err)
			}
		})
	}
}

func TestSignatureAlgorithmForErrors(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if _, err := SignatureAlgorithmFor(p256.Public(), crypto.SHA256, true); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm for EC PSS, got %v", err)
	}
	if _, err := SignatureAlgorithmFor(p256.Public(), crypto.SHA1, false); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm for SHA-1, got %v", err)
	}
	if _, err := SignatureAlgorithmFor("not a key", crypto.SHA256, false); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm for unknown key, got %v", err)
	}
}

func TestPSSParametersRoundTrip(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		params, err := pssParameters(h)
		if err != nil {
			t.Fatalf("pssParameters(%v) failed: %v", h, err)
		}
		got, err := parsePSSHash(params.FullBytes)
		if err != nil {
			t.Fatalf("parsePSSHash failed: %v", err)
		}
		if got != h {
			t.Errorf("parsePSSHash = %v, want %v", got, h)
		}
	}

	// An empty parameter sequence means SHA-1 defaults.
	if _, err := parsePSSHash([]byte{0x30, 0x00}); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestBuilderTimestamp(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)
	tsa, err := timestamps.CreateTestTimestamper()
	if err != nil {
		t.Fatalf("CreateTestTimestamper failed: %v", err)
	}

	b := NewBuilder([]*x509.Certificate{cert}, crypto.SHA256)
	b.Timestamper = tsa
	digest := sha256.Sum256([]byte("content"))
	der, err := b.Build(context.Background(), digest[:], keySigner{key: key})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	info, err := Inspect(der)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	issued := tsa.Issued()
	if len(issued) != 1 {
		t.Fatalf("expected one issued token, got %d", len(issued))
	}
	if !bytes.Equal(info.TimestampToken, issued[0]) {
		t.Error("embedded token differs from the issued token")
	}
	if err := timestamps.VerifyTimestamp(info.TimestampToken, info.Signature); err != nil {
		t.Errorf("token does not cover the signature value: %v", err)
	}
}

func TestBuilderTimestampFailure(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)
	b := NewBuilder([]*x509.Certificate{cert}, crypto.SHA256)
	b.Timestamper = failingTimestamper{}
	digest := sha256.Sum256([]byte("content"))

	if _, err := b.Build(context.Background(), digest[:], keySigner{key: key}); !errors.Is(err, timestamps.ErrTimestampFailed) {
		t.Errorf("expected ErrTimestampFailed, got %v", err)
	}

	// The steps can still be completed without the token.
	si, err := b.Sign(context.Background(), digest[:], keySigner{key: key})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, err := b.Timestamp(context.Background(), si); err == nil {
		t.Fatal("expected timestamp error")
	}
	if len(si.UnsignedAttrs) != 0 {
		t.Error("failed timestamp must not leave an attribute")
	}
	der, err := b.Assemble(si)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	info, err := Inspect(der)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if info.TimestampToken != nil {
		t.Error("unexpected timestamp token")
	}
}

func TestBuilderErrors(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)
	digest := sha256.Sum256([]byte("content"))
	signerErr := errors.New("hsm offline")

	tests := []struct {
		name   string
		chain  []*x509.Certificate
		hash   crypto.Hash
		digest []byte
		signer DigestSigner
		want   error
	}{
		{"no chain", nil, crypto.SHA256, digest[:], keySigner{key: key}, ErrMissingCertificate},
		{"short digest", []*x509.Certificate{cert}, crypto.SHA256, digest[:10], keySigner{key: key}, ErrInvalidDigest},
		{"sha1", []*x509.Certificate{cert}, crypto.SHA1, digest[:20], keySigner{key: key}, ErrUnsupportedAlgorithm},
		{"signer failure", []*x509.Certificate{cert}, crypto.SHA256, digest[:], failingSigner{err: signerErr}, signerErr},
		{"empty signature", []*x509.Certificate{cert}, crypto.SHA256, digest[:], emptySigner{}, ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.chain, tt.hash).Build(context.Background(), tt.digest, tt.signer)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSignedAttributes(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)
	digest := sha256.Sum256([]byte("content"))

	b := NewBuilder([]*x509.Certificate{cert}, crypto.SHA256)
	attrs, der, err := b.SignedAttributes(digest[:])
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	if der[0] != 0x31 {
		t.Errorf("signed attributes tag = %#x, want SET", der[0])
	}
	if len(attrs) != 4 {
		t.Errorf("expected 4 attributes, got %d", len(attrs))
	}

	b.OmitSigningCertificate = true
	attrs, _, err = b.SignedAttributes(digest[:])
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	for _, attr := range attrs {
		if attr.Type.Equal(OIDSigningCertificateV2) {
			t.Error("signing certificate attribute should be omitted")
		}
	}
}

func TestSigningCertificateHashAlgorithm(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)

	tests := []struct {
		hash        crypto.Hash
		wantEncoded bool
	}{
		{crypto.SHA256, false},
		{crypto.SHA384, true},
		{crypto.SHA512, true},
	}
	for _, tt := range tests {
		t.Run(tt.hash.String(), func(t *testing.T) {
			b := NewBuilder([]*x509.Certificate{cert}, tt.hash)
			h := tt.hash.New()
			h.Write([]byte("content"))
			attrs, _, err := b.SignedAttributes(h.Sum(nil))
			if err != nil {
				t.Fatalf("SignedAttributes failed: %v", err)
			}

			var value []byte
			for _, attr := range attrs {
				if attr.Type.Equal(OIDSigningCertificateV2) {
					value = attr.Values[0].FullBytes
				}
			}
			if value == nil {
				t.Fatal("signing certificate attribute missing")
			}
			var sc SigningCertificateV2
			if _, err := asn1.Unmarshal(value, &sc); err != nil {
				t.Fatalf("failed to parse signing certificate: %v", err)
			}

			id := sc.Certs[0]
			if encoded := len(id.HashAlgorithm.Algorithm) > 0; encoded != tt.wantEncoded {
				t.Errorf("hashAlgorithm encoded = %v, want %v", encoded, tt.wantEncoded)
			}
			want := tt.hash.New()
			want.Write(cert.Raw)
			if !bytes.Equal(id.CertHash, want.Sum(nil)) {
				t.Error("certificate hash mismatch")
			}
			if len(id.IssuerSerial.Issuer) != 1 || id.IssuerSerial.Issuer[0].Tag != 4 ||
				!bytes.Equal(id.IssuerSerial.Issuer[0].Bytes, cert.RawIssuer) {
				t.Error("issuer is not a single directoryName")
			}
			if id.IssuerSerial.SerialNumber.Cmp(cert.SerialNumber) != 0 {
				t.Errorf("serial = %v, want %v", id.IssuerSerial.SerialNumber, cert.SerialNumber)
			}
		})
	}
}

func TestInspect(t *testing.T) {
	key := generateRSAKey(t)
	cert := generateCert(t, "Test Signer", &key.PublicKey, nil, key, false)
	digest := sha256.Sum256([]byte("content"))
	der, err := NewBuilder([]*x509.Certificate{cert}, crypto.SHA256).Build(context.Background(), digest[:], keySigner{key: key})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	padded := append(append([]byte{}, der...), make([]byte, 64)...)
	info, err := Inspect(padded)
	if err != nil {
		t.Fatalf("Inspect with padding failed: %v", err)
	}
	if err := info.CheckDigest(digest[:]); err != nil {
		t.Errorf("CheckDigest failed: %v", err)
	}
	if err := info.CheckContent([]byte("other")); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	info.Signature[0] ^= 0xFF
	if err := info.CheckSignature(); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered value, got %v", err)
	}

	if _, err := Inspect([]byte("garbage")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
