// Package keys provides utilities for loading certificates and private keys
// from PEM, DER and PKCS#12 encoded data.
package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound        = errors.New("no certificate found in data")
	ErrNoKeyFound         = errors.New("no private key found in data")
	ErrUnknownKeyType     = errors.New("unknown private key type")
	ErrInvalidPEMBlock    = errors.New("invalid PEM block")
	ErrDecryptionFailed   = errors.New("failed to decrypt private key")
	ErrKeyMismatch        = errors.New("private key does not match certificate")
	ErrIncorrectPassword  = errors.New("incorrect PKCS#12 password")
	ErrCorruptPKCS12      = errors.New("corrupt PKCS#12 container")
	ErrEncryptedNoPassKey = errors.New("private key is encrypted but no passphrase provided")
)

// PrivateKey represents a private key that can be used for signing.
type PrivateKey interface {
	crypto.Signer
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data,
// in the order they appear.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadChainFromPemDerData loads a certificate bundle whose first entry is
// the signer and returns it ordered leaf first.
func LoadChainFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	certs, err := LoadCertsFromPemDerData(data)
	if err != nil {
		return nil, err
	}
	return OrderChain(certs[0], certs[1:]), nil
}

// OrderChain returns leaf followed by its issuers found among others, each
// certificate followed by the one that issued it. Certificates that are not
// part of the path are appended in their original order. Duplicates of
// certificates already placed are dropped.
func OrderChain(leaf *x509.Certificate, others []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	used := make([]bool, len(others))
	placed := func(c *x509.Certificate) bool {
		for _, p := range chain {
			if p.Equal(c) {
				return true
			}
		}
		return false
	}

	current := leaf
	for !isSelfSigned(current) {
		next := -1
		for i, c := range others {
			if used[i] || placed(c) {
				continue
			}
			if bytes.Equal(current.RawIssuer, c.RawSubject) && current.CheckSignatureFrom(c) == nil {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		used[next] = true
		chain = append(chain, others[next])
		current = others[next]
	}

	for i, c := range others {
		if !used[i] && !placed(c) {
			chain = append(chain, c)
		}
	}
	return chain
}

// LoadPrivateKeyFromPemDerData loads a private key from PEM or DER encoded data.
func LoadPrivateKeyFromPemDerData(data []byte, passphrase []byte) (PrivateKey, error) {
	if isPEM(data) {
		return loadPrivateKeyFromPEM(data, passphrase)
	}
	return loadPrivateKeyFromDER(data)
}

// loadPrivateKeyFromPEM parses the first private key block, skipping any
// certificates bundled in front of it.
func loadPrivateKeyFromPEM(data []byte, passphrase []byte) (PrivateKey, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrInvalidPEMBlock
		}
		if block.Type == "CERTIFICATE" {
			continue
		}

		keyBytes := block.Bytes
		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
			if passphrase == nil {
				return nil, ErrEncryptedNoPassKey
			}
			var err error
			keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
			}
		}
		return parsePrivateKeyByType(block.Type, keyBytes)
	}
}

// loadPrivateKeyFromDER parses a DER encoded private key.
func loadPrivateKeyFromDER(data []byte) (PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toPrivateKey(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

// parsePrivateKeyByType parses a private key based on the PEM block type.
func parsePrivateKeyByType(blockType string, keyBytes []byte) (PrivateKey, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return toPrivateKey(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, blockType)
	}
}

// toPrivateKey accepts the key types CMS signatures can be produced with.
func toPrivateKey(key interface{}) (PrivateKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("-----BEGIN"))
}

// CheckKeyMatchesCertificate reports ErrKeyMismatch when the public half of
// key differs from the certificate's public key.
func CheckKeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, cert.Subject.CommonName)
	}
	return nil
}

// KeyInfo describes a public key.
type KeyInfo struct {
	// Algorithm is the key algorithm (RSA, ECDSA)
	Algorithm string

	// BitSize is the key size in bits (for RSA)
	BitSize int

	// Curve is the elliptic curve name (for ECDSA)
	Curve string
}

// GetKeyInfo returns information about a public key.
func GetKeyInfo(pub crypto.PublicKey) KeyInfo {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyInfo{Algorithm: "RSA", BitSize: k.N.BitLen()}
	case *ecdsa.PublicKey:
		return KeyInfo{Algorithm: "ECDSA", Curve: k.Curve.Params().Name}
	default:
		return KeyInfo{Algorithm: "Unknown"}
	}
}

// isSelfSigned checks if a certificate is self-signed.
func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

// PKCS12Credential holds a certificate and key loaded from a PKCS#12 file.
type PKCS12Credential struct {
	PrivateKey PrivateKey
	// Chain is the signer certificate followed by its issuers.
	Chain []*x509.Certificate
}

// LoadPKCS12 decrypts a PKCS#12 container. A MAC failure is reported as
// ErrIncorrectPassword, anything else that prevents decoding as
// ErrCorruptPKCS12.
func LoadPKCS12(data []byte, password string) (*PKCS12Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptPKCS12, err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPKCS12, ErrNoCertFound)
	}
	signer, err := toPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := CheckKeyMatchesCertificate(signer, cert); err != nil {
		return nil, err
	}
	return &PKCS12Credential{
		PrivateKey: signer,
		Chain:      OrderChain(cert, caCerts),
	}, nil
}

// Zero overwrites the private scalars of key. The key is unusable afterwards.
func Zero(key crypto.Signer) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		k.D.SetInt64(0)
		for _, p := range k.Primes {
			p.SetInt64(0)
		}
		k.Precomputed = rsa.PrecomputedValues{}
	case *ecdsa.PrivateKey:
		k.D.SetInt64(0)
	}
}
