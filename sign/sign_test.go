package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"hash/crc32"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/pdfsign/internal/testpdf"
	"github.com/georgepadayatti/pdfsign/pdf/reader"
	"github.com/georgepadayatti/pdfsign/sign/cms"
	"github.com/georgepadayatti/pdfsign/sign/signers"
	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

type fixture struct {
	chain   []*x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	serial := int64(0)
	create := func(cn string, pub crypto.PublicKey, parent *x509.Certificate, parentKey crypto.Signer, isCA bool) *x509.Certificate {
		serial++
		template := &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
			BasicConstraintsValid: true,
			IsCA:                  isCA,
		}
		if parent == nil {
			parent = template
		}
		der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
		require.NoError(t, err)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return cert
	}
	newKey := func() *rsa.PrivateKey {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		return k
	}

	rootKey, interKey, leafKey := newKey(), newKey(), newKey()
	root := create("Root CA", &rootKey.PublicKey, nil, rootKey, true)
	inter := create("Intermediate CA", &interKey.PublicKey, root, rootKey, true)
	leaf := create("Document Signer", &leafKey.PublicKey, inter, interKey, false)

	f := &fixture{chain: []*x509.Certificate{leaf, inter, root}, key: leafKey}
	for _, c := range f.chain {
		f.certPEM = append(f.certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(leafKey)
	require.NoError(t, err)
	f.keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	return f
}

func (f *fixture) p12(t *testing.T, password string) []byte {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(f.key, f.chain[0], f.chain[1:], password)
	require.NoError(t, err)
	return pfx
}

// kmsStub answers AsymmetricSign with a local key, or never answers when
// hang is set.
type kmsStub struct {
	key   crypto.Signer
	hang  bool
	calls int
}

func (k *kmsStub) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	k.calls++
	if k.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	digest := req.GetDigest().GetSha256()
	sig, err := k.key.Sign(rand.Reader, digest, crypto.SHA256)
	if err != nil {
		return nil, err
	}
	table := crc32.MakeTable(crc32.Castagnoli)
	return &kmspb.AsymmetricSignResponse{
		Name:                 req.GetName(),
		Signature:            sig,
		SignatureCrc32C:      wrapperspb.Int64(int64(crc32.Checksum(sig, table))),
		VerifiedDigestCrc32C: true,
	}, nil
}

const keyPath = "projects/demo/locations/europe-west1/keyRings/docs/cryptoKeys/pdf/cryptoKeyVersions/1"

func inspect(t *testing.T, signed []byte) (*reader.EmbeddedSignature, *cms.Info) {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(signed)
	require.NoError(t, err)
	sigs, err := r.GetEmbeddedSignatures()
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	info, err := cms.Inspect(sigs[0].Contents)
	require.NoError(t, err)
	return sigs[0], info
}

func TestSignWithPrivateKey(t *testing.T) {
	f := newFixture(t)
	doc := testpdf.Minimal()

	signed, err := SignWithPrivateKey(context.Background(), doc, f.certPEM, f.keyPEM, Options{
		Reason:   "Approved",
		Location: "Berlin",
	})
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(signed, doc))

	sig, info := inspect(t, signed)
	require.Equal(t, "Approved", sig.Reason())
	require.Equal(t, "Berlin", sig.Location())

	content, err := sig.SignedData()
	require.NoError(t, err)
	h := crypto.SHA256.New()
	h.Write(content)
	require.Equal(t, h.Sum(nil), info.MessageDigest)
	require.NoError(t, info.CheckSignature())

	require.Len(t, info.Certificates, 3)
	for _, c := range f.chain {
		found := false
		for _, got := range info.Certificates {
			found = found || got.Equal(c)
		}
		require.True(t, found, "certificate %q missing", c.Subject.CommonName)
	}
	require.True(t, info.Signer.Equal(f.chain[0]))
	require.Equal(t, 0, info.SID.SerialNumber.Cmp(f.chain[0].SerialNumber))
	require.Nil(t, info.TimestampToken)
}

func TestSignWithPrivateKeyErrors(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	doc := testpdf.Minimal()

	tests := []struct {
		name    string
		doc     []byte
		certPEM []byte
		keyPEM  []byte
		want    error
	}{
		{"garbage key", doc, f.certPEM, []byte("nope"), signers.ErrInvalidKey},
		{"garbage certificate", doc, []byte("nope"), f.keyPEM, signers.ErrInvalidKey},
		{"key of another certificate", doc, f.certPEM, other.keyPEM, signers.ErrInvalidKey},
		{"not a pdf", []byte("plain text"), f.certPEM, f.keyPEM, signers.ErrMalformedDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := SignWithPrivateKey(context.Background(), tt.doc, tt.certPEM, tt.keyPEM, Options{})
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, tt.doc, out)
		})
	}
}

func TestSignWithP12(t *testing.T) {
	f := newFixture(t)
	doc := testpdf.Minimal()

	signed, err := SignWithP12(context.Background(), doc, f.p12(t, "hunter2"), "hunter2", Options{})
	require.NoError(t, err)
	_, info := inspect(t, signed)
	require.NoError(t, info.CheckSignature())
	require.True(t, info.Signer.Equal(f.chain[0]))
	require.Len(t, info.Certificates, 3)

	out, err := SignWithP12(context.Background(), doc, f.p12(t, "hunter2"), "wrong", Options{})
	require.ErrorIs(t, err, signers.ErrInvalidPassword)
	require.Equal(t, signers.InvalidPassword, signers.KindOf(err))
	require.Equal(t, doc, out)

	out, err = SignWithP12(context.Background(), doc, []byte{0x30, 0x03, 0x02, 0x01}, "", Options{})
	require.ErrorIs(t, err, signers.ErrCorruptContainer)
	require.Equal(t, doc, out)
}

func TestSignWithGCloud(t *testing.T) {
	f := newFixture(t)
	doc := testpdf.Minimal()
	stub := &kmsStub{key: f.key}

	signed, err := SignWithGCloud(context.Background(), doc, f.certPEM, keyPath, stub, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)

	sig, info := inspect(t, signed)
	content, err := sig.SignedData()
	require.NoError(t, err)
	require.NoError(t, info.CheckContent(content))
	require.NoError(t, info.CheckSignature())
}

func TestSignWithGCloudTimeout(t *testing.T) {
	f := newFixture(t)
	doc := testpdf.Minimal()
	original := append([]byte{}, doc...)
	stub := &kmsStub{key: f.key, hang: true}

	out, err := SignWithGCloud(context.Background(), doc, f.certPEM, keyPath, stub, Options{
		KMSTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, signers.ErrRemoteSigningFailure)
	require.Equal(t, original, out)
	require.Equal(t, 1, stub.calls)
}

func TestSignWithGCloudErrors(t *testing.T) {
	f := newFixture(t)
	doc := testpdf.Minimal()

	_, err := SignWithGCloud(context.Background(), doc, []byte("nope"), keyPath, &kmsStub{key: f.key}, Options{})
	require.ErrorIs(t, err, signers.ErrInvalidKey)

	_, err = SignWithGCloud(context.Background(), doc, f.certPEM, "", &kmsStub{key: f.key}, Options{})
	require.ErrorIs(t, err, signers.ErrInvalidKey)

	_, err = SignWithGCloud(context.Background(), doc, f.certPEM, "", nil, Options{})
	require.ErrorIs(t, err, signers.ErrInvalidKey)
}

func TestTimestampServer(t *testing.T) {
	f := newFixture(t)
	tsa, err := timestamps.CreateTestTimestamper()
	require.NoError(t, err)
	srv := httptest.NewServer(tsa)
	defer srv.Close()

	signed, err := SignWithPrivateKey(context.Background(), testpdf.Minimal(), f.certPEM, f.keyPEM, Options{
		TimestampServer: srv.URL,
	})
	require.NoError(t, err)

	_, info := inspect(t, signed)
	issued := tsa.Issued()
	require.Len(t, issued, 1)
	require.Equal(t, issued[0], info.TimestampToken)
	require.NoError(t, timestamps.VerifyTimestamp(info.TimestampToken, info.Signature))
}

func TestTimestampServerUnreachable(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	signed, err := SignWithPrivateKey(context.Background(), testpdf.Minimal(), f.certPEM, f.keyPEM, Options{
		TimestampServer: url,
	})
	require.NoError(t, err)
	_, info := inspect(t, signed)
	require.Nil(t, info.TimestampToken)

	doc := testpdf.Minimal()
	out, err := SignWithPrivateKey(context.Background(), doc, f.certPEM, f.keyPEM, Options{
		TimestampServer:   url,
		TimestampRequired: true,
	})
	require.ErrorIs(t, err, signers.ErrTimestampUnavailable)
	require.Equal(t, doc, out)
}

func TestTimestampServerInvalidURL(t *testing.T) {
	f := newFixture(t)
	stub := &kmsStub{key: f.key}
	doc := testpdf.Minimal()

	for _, url := range []string{"ftp://tsa.example.com", "not a url", "http://"} {
		out, err := SignWithGCloud(context.Background(), doc, f.certPEM, keyPath, stub, Options{TimestampServer: url})
		require.ErrorIs(t, err, signers.ErrTimestampUnavailable, url)
		require.ErrorIs(t, err, timestamps.ErrInvalidURL, url)
		require.Equal(t, doc, out)
	}
	require.Zero(t, stub.calls, "remote signer called despite the bad URL")
}

func TestSigningTime(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", "2024-06-30T12:00:00+02:00", time.Date(2024, time.June, 30, 10, 0, 0, 0, time.UTC)},
		{"fractional", "2024-06-30T10:00:00.250Z", time.Date(2024, time.June, 30, 10, 0, 0, 0, time.UTC)},
		{"no zone", "2024-06-30T10:00:00", time.Date(2024, time.June, 30, 10, 0, 0, 0, time.UTC)},
		{"empty", "", now},
		{"unparseable", "yesterday at noon", now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := zerolog.New(&logs)
			signed, err := SignWithPrivateKey(context.Background(), testpdf.Minimal(), f.certPEM, f.keyPEM, Options{
				SigningTime: tt.input,
				Clock:       clockwork.NewFakeClockAt(now),
				Logger:      &logger,
			})
			require.NoError(t, err)
			_, info := inspect(t, signed)
			require.True(t, info.SigningTime.Equal(tt.want), "signing time %v, want %v", info.SigningTime, tt.want)
			if tt.name == "unparseable" {
				require.Contains(t, logs.String(), "unparseable signing time")
			}
		})
	}
}

func TestCreateDetachedCMS(t *testing.T) {
	f := newFixture(t)
	content := []byte("arbitrary payload, not a PDF")

	tests := []struct {
		name string
		sign func() ([]byte, error)
	}{
		{"private key", func() ([]byte, error) {
			return CreateDetachedCMSWithPrivateKey(context.Background(), content, f.certPEM, f.keyPEM, Options{})
		}},
		{"p12", func() ([]byte, error) {
			return CreateDetachedCMSWithP12(context.Background(), content, f.p12(t, "pw"), "pw", Options{})
		}},
		{"gcloud", func() ([]byte, error) {
			return CreateDetachedCMSWithGCloud(context.Background(), content, f.certPEM, keyPath, &kmsStub{key: f.key}, Options{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := tt.sign()
			require.NoError(t, err)
			info, err := cms.Inspect(der)
			require.NoError(t, err)
			require.NoError(t, info.CheckContent(content))
			require.NoError(t, info.CheckSignature())
			require.True(t, info.Signer.Equal(f.chain[0]))
		})
	}
}

func TestConcurrentSigning(t *testing.T) {
	f := newFixture(t)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := SignWithPrivateKey(context.Background(), testpdf.Minimal(), f.certPEM, f.keyPEM, Options{})
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
}
