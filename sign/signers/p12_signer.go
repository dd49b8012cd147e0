package signers

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/georgepadayatti/pdfsign/keys"
	"github.com/georgepadayatti/pdfsign/sign/cms"
)

// P12Signer signs with the key of a PKCS#12 container. The container is
// decrypted on first use and the result kept until Close.
type P12Signer struct {
	data     []byte
	password string
	// PreferPSS selects RSASSA-PSS instead of PKCS #1 v1.5 for RSA keys.
	PreferPSS bool

	mu     sync.Mutex
	cred   *keys.PKCS12Credential
	decode func(data []byte, password string) (*keys.PKCS12Credential, error)
}

// NewP12Signer creates a signer over a PKCS#12 container. Nothing is
// decrypted until the first call.
func NewP12Signer(data []byte, password string) *P12Signer {
	return &P12Signer{data: data, password: password, decode: keys.LoadPKCS12}
}

// load decrypts the container unless a previous call already did. The
// caller must hold s.mu.
func (s *P12Signer) load() (*keys.PKCS12Credential, error) {
	if s.cred != nil {
		return s.cred, nil
	}
	cred, err := s.decode(s.data, s.password)
	switch {
	case err == nil:
	case errors.Is(err, keys.ErrIncorrectPassword):
		return nil, NewSigningError(InvalidPassword, "decrypting PKCS#12", err)
	case errors.Is(err, keys.ErrCorruptPKCS12):
		return nil, NewSigningError(CorruptContainer, "decoding PKCS#12", err)
	default:
		return nil, NewSigningError(InvalidKey, "PKCS#12 key", err)
	}
	s.cred = cred
	return cred, nil
}

// CertificateChain implements Signer.
func (s *P12Signer) CertificateChain(context.Context) ([]*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.load()
	if err != nil {
		return nil, err
	}
	return cred.Chain, nil
}

// Sign implements cms.DigestSigner.
func (s *P12Signer) Sign(ctx context.Context, digest []byte, h crypto.Hash) (*cms.SignatureValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.load()
	if err != nil {
		return nil, err
	}
	return signWithKey(cred.PrivateKey, digest, h, s.PreferPSS)
}

// Close zeroes the decrypted key. A later call decrypts the container again.
func (s *P12Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred != nil {
		keys.Zero(s.cred.PrivateKey)
		s.cred = nil
	}
	return nil
}
