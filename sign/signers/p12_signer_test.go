package signers

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/pdfsign/keys"
)

func encodeP12(t *testing.T, password string) ([]byte, []*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	chain, key := testChain(t)
	pfx, err := pkcs12.Modern.Encode(key, chain[0], []*x509.Certificate{chain[2], chain[1]}, password)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return pfx, chain, key
}

func TestP12SignerSign(t *testing.T) {
	pfx, chain, key := encodeP12(t, "secret")
	s := NewP12Signer(pfx, "secret")
	defer s.Close()

	got, err := s.CertificateChain(context.Background())
	if err != nil {
		t.Fatalf("CertificateChain failed: %v", err)
	}
	for i := range chain {
		if !got[i].Equal(chain[i]) {
			t.Errorf("chain[%d] = %q, want %q", i, got[i].Subject.CommonName, chain[i].Subject.CommonName)
		}
	}

	digest := sha256.Sum256([]byte("attributes"))
	sig, err := s.Sign(context.Background(), digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig.Value); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestP12SignerErrors(t *testing.T) {
	pfx, _, _ := encodeP12(t, "secret")

	tests := []struct {
		name     string
		data     []byte
		password string
		want     error
	}{
		{"wrong password", pfx, "wrong", ErrInvalidPassword},
		{"empty password", pfx, "", ErrInvalidPassword},
		{"corrupt", []byte("definitely not PKCS#12"), "secret", ErrCorruptContainer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewP12Signer(tt.data, tt.password)
			digest := sha256.Sum256([]byte("attributes"))
			sig, err := s.Sign(context.Background(), digest[:], crypto.SHA256)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if sig != nil {
				t.Error("a signature was produced")
			}
			if _, err := s.CertificateChain(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("CertificateChain error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestP12SignerDecryptsOnce(t *testing.T) {
	pfx, _, _ := encodeP12(t, "secret")
	s := NewP12Signer(pfx, "secret")
	var loads atomic.Int32
	decode := s.decode
	s.decode = func(data []byte, password string) (*keys.PKCS12Credential, error) {
		loads.Add(1)
		return decode(data, password)
	}
	digest := sha256.Sum256([]byte("attributes"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Sign(context.Background(), digest[:], crypto.SHA256); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Sign failed: %v", err)
	}
	if n := loads.Load(); n != 1 {
		t.Errorf("container decrypted %d times, want 1", n)
	}

	key := s.cred.PrivateKey.(*rsa.PrivateKey)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if key.D.Sign() != 0 {
		t.Error("Close did not zero the key")
	}
	if s.cred != nil {
		t.Error("Close did not drop the cache")
	}

	if _, err := s.Sign(context.Background(), digest[:], crypto.SHA256); err != nil {
		t.Fatalf("Sign after Close failed: %v", err)
	}
	if n := loads.Load(); n != 2 {
		t.Errorf("container decrypted %d times, want 2", n)
	}
}
