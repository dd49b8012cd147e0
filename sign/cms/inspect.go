package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Info is the decoded content of a SignedData with a single signer.
type Info struct {
	Certificates []*x509.Certificate
	// Signer is the certificate matching the signer's issuer and serial.
	Signer             *x509.Certificate
	SID                IssuerAndSerialNumber
	DigestAlgorithm    crypto.Hash
	SignatureAlgorithm AlgorithmIdentifier
	MessageDigest      []byte
	SigningTime        time.Time
	// SignedAttrs is the DER of the signed attributes as they were signed.
	SignedAttrs    []byte
	Signature      []byte
	TimestampToken []byte
}

// Inspect decodes a DER ContentInfo. Trailing bytes, such as the zero
// padding of a PDF /Contents entry, are ignored.
func Inspect(der []byte) (*Info, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(der, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: ContentInfo: %v", ErrMalformed, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: expected SignedData, got %v", ErrMalformed, contentInfo.ContentType)
	}

	var sd SignedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: SignedData: %v", ErrMalformed, err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: %d signer infos", ErrMalformed, len(sd.SignerInfos))
	}

	var si SignerInfoRaw
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: SignerInfo: %v", ErrMalformed, err)
	}

	info := &Info{
		SID:                si.SID,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
	}

	h, err := HashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	info.DigestAlgorithm = h

	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %v", ErrMalformed, err)
		}
		info.Certificates = append(info.Certificates, cert)
		if bytes.Equal(cert.RawIssuer, si.SID.Issuer.FullBytes) && si.SID.SerialNumber != nil &&
			cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0 {
			info.Signer = cert
		}
	}

	if len(si.SignedAttrs.FullBytes) > 0 {
		info.SignedAttrs = append([]byte{}, si.SignedAttrs.FullBytes...)
		info.SignedAttrs[0] = 0x31 // signed as a SET, stored as [0] IMPLICIT

		attrs, err := parseAttributes(si.SignedAttrs.Bytes)
		if err != nil {
			return nil, err
		}
		for _, attr := range attrs {
			if len(attr.Values) == 0 {
				continue
			}
			switch {
			case attr.Type.Equal(OIDMessageDigest):
				if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &info.MessageDigest); err != nil {
					return nil, fmt.Errorf("%w: message digest: %v", ErrMalformed, err)
				}
			case attr.Type.Equal(OIDSigningTime):
				if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &info.SigningTime); err != nil {
					return nil, fmt.Errorf("%w: signing time: %v", ErrMalformed, err)
				}
			}
		}
	}

	if len(si.UnsignedAttrs.Bytes) > 0 {
		attrs, err := parseAttributes(si.UnsignedAttrs.Bytes)
		if err != nil {
			return nil, err
		}
		for _, attr := range attrs {
			if attr.Type.Equal(OIDTimeStampToken) && len(attr.Values) > 0 {
				info.TimestampToken = attr.Values[0].FullBytes
			}
		}
	}

	return info, nil
}

func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	for rest := data; len(rest) > 0; {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute: %v", ErrMalformed, err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// CheckDigest reports whether the message-digest attribute equals digest.
func (i *Info) CheckDigest(digest []byte) error {
	if i.MessageDigest == nil {
		return fmt.Errorf("%w: no message digest attribute", ErrMalformed)
	}
	if !bytes.Equal(i.MessageDigest, digest) {
		return fmt.Errorf("%w: message digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// CheckContent hashes content with the declared digest algorithm and
// compares it with the message-digest attribute.
func (i *Info) CheckContent(content []byte) error {
	h := i.DigestAlgorithm.New()
	h.Write(content)
	return i.CheckDigest(h.Sum(nil))
}

// CheckSignature verifies the signature value over the signed attributes
// with the signer certificate's public key.
func (i *Info) CheckSignature() error {
	if i.Signer == nil {
		return ErrMissingCertificate
	}
	if i.SignedAttrs == nil {
		return fmt.Errorf("%w: no signed attributes", ErrMalformed)
	}
	h := i.DigestAlgorithm.New()
	h.Write(i.SignedAttrs)
	digest := h.Sum(nil)

	alg := i.SignatureAlgorithm.Algorithm
	switch pub := i.Signer.PublicKey.(type) {
	case *rsa.PublicKey:
		if alg.Equal(OIDRSAPSS) {
			pssHash, err := parsePSSHash(i.SignatureAlgorithm.Parameters.FullBytes)
			if err != nil {
				return err
			}
			if pssHash != i.DigestAlgorithm {
				return fmt.Errorf("%w: PSS hash %v differs from digest %v", ErrUnsupportedAlgorithm, pssHash, i.DigestAlgorithm)
			}
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: pssHash}
			if err := rsa.VerifyPSS(pub, pssHash, digest, i.Signature, opts); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(pub, i.DigestAlgorithm, digest, i.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, i.Signature) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// parsePSSHash reads the hash algorithm from RSASSA-PSS-params. An absent
// hashAlgorithm means SHA-1, which is not supported.
func parsePSSHash(params []byte) (crypto.Hash, error) {
	input := cryptobyte.String(params)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return 0, fmt.Errorf("%w: PSS parameters", ErrMalformed)
	}
	hashTag := cbasn1.Tag(0).Constructed().ContextSpecific()
	if !seq.PeekASN1Tag(hashTag) {
		return 0, fmt.Errorf("%w: PSS with SHA-1", ErrUnsupportedAlgorithm)
	}
	var hashField, algID cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !seq.ReadASN1(&hashField, hashTag) ||
		!hashField.ReadASN1(&algID, cbasn1.SEQUENCE) ||
		!algID.ReadASN1ObjectIdentifier(&oid) {
		return 0, fmt.Errorf("%w: PSS hash algorithm", ErrMalformed)
	}
	return HashFromOID(oid)
}
