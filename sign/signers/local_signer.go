package signers

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"

	"github.com/georgepadayatti/pdfsign/keys"
	"github.com/georgepadayatti/pdfsign/sign/cms"
)

// PrivateKeySigner signs with a key held in memory.
type PrivateKeySigner struct {
	key   crypto.Signer
	chain []*x509.Certificate
	// PreferPSS selects RSASSA-PSS instead of PKCS #1 v1.5 for RSA keys.
	PreferPSS bool
}

// NewPrivateKeySigner checks that key belongs to the first certificate of
// chain.
func NewPrivateKeySigner(key crypto.Signer, chain []*x509.Certificate) (*PrivateKeySigner, error) {
	if key == nil {
		return nil, NewSigningError(InvalidKey, "no private key", nil)
	}
	if len(chain) == 0 {
		return nil, NewSigningError(InvalidKey, "no signer certificate", nil)
	}
	if err := keys.CheckKeyMatchesCertificate(key, chain[0]); err != nil {
		return nil, NewSigningError(InvalidKey, "private key", err)
	}
	return &PrivateKeySigner{key: key, chain: chain}, nil
}

// NewPrivateKeySignerFromPEM parses a PEM certificate bundle and a PEM
// private key.
func NewPrivateKeySignerFromPEM(certPEM, keyPEM []byte) (*PrivateKeySigner, error) {
	chain, err := keys.LoadChainFromPemDerData(certPEM)
	if err != nil {
		return nil, NewSigningError(InvalidKey, "parsing certificate", err)
	}
	key, err := keys.LoadPrivateKeyFromPemDerData(keyPEM, nil)
	if err != nil {
		return nil, NewSigningError(InvalidKey, "parsing private key", err)
	}
	return NewPrivateKeySigner(key, chain)
}

// CertificateChain implements Signer.
func (s *PrivateKeySigner) CertificateChain(context.Context) ([]*x509.Certificate, error) {
	return s.chain, nil
}

// Sign implements cms.DigestSigner.
func (s *PrivateKeySigner) Sign(ctx context.Context, digest []byte, h crypto.Hash) (*cms.SignatureValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return signWithKey(s.key, digest, h, s.PreferPSS)
}

func signWithKey(key crypto.Signer, digest []byte, h crypto.Hash, pss bool) (*cms.SignatureValue, error) {
	alg, err := cms.SignatureAlgorithmFor(key.Public(), h, pss)
	if err != nil {
		return nil, NewSigningError(InvalidKey, "signature algorithm", err)
	}
	var opts crypto.SignerOpts = h
	if pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	value, err := key.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, NewSigningError(InvalidKey, "signing digest", err)
	}
	return &cms.SignatureValue{Value: value, Algorithm: alg}, nil
}

// Close zeroes the private key. The signer cannot be used afterwards.
func (s *PrivateKeySigner) Close() error {
	keys.Zero(s.key)
	return nil
}
