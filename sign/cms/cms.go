// Package cms builds detached CMS (PKCS #7) SignedData structures for PDF
// signatures.
package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// Digest algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDMGF1            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// Unsigned attributes
	OIDTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrInvalidDigest        = errors.New("invalid content digest")
	ErrMalformed            = errors.New("malformed CMS structure")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content. Detached
// signatures leave EContent empty.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information.
// SID is IssuerAndSerialNumber directly because SignerIdentifier is a
// CHOICE and version 1 signer infos always use this alternative.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// SignerInfoRaw is used for parsing to capture raw attribute bytes.
type SignerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// SignedDataRaw is used for parsing to capture raw signer infos.
type SignedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       []asn1.RawValue // GeneralNames
	SerialNumber *big.Int
}

// SignatureValue is a raw signature tagged with the algorithm that
// produced it.
type SignatureValue struct {
	Value     []byte
	Algorithm AlgorithmIdentifier
}

// DigestSigner signs a precomputed digest. Implementations must not hash
// the digest again.
type DigestSigner interface {
	Sign(ctx context.Context, digest []byte, hash crypto.Hash) (*SignatureValue, error)
}

// DigestAlgorithm returns the algorithm identifier for h.
func DigestAlgorithm(h crypto.Hash) (AlgorithmIdentifier, error) {
	var oid asn1.ObjectIdentifier
	switch h {
	case crypto.SHA256:
		oid = OIDSHA256
	case crypto.SHA384:
		oid = OIDSHA384
	case crypto.SHA512:
		oid = OIDSHA512
	default:
		return AlgorithmIdentifier{}, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, h)
	}
	return AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, nil
}

// HashFromOID maps a digest algorithm OID to a crypto.Hash.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, oid)
	}
}

// SignatureAlgorithmFor returns the signature algorithm identifier for a
// key of the given public type signing h digests.
func SignatureAlgorithmFor(pub crypto.PublicKey, h crypto.Hash, pss bool) (AlgorithmIdentifier, error) {
	if _, err := DigestAlgorithm(h); err != nil {
		return AlgorithmIdentifier{}, err
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		if pss {
			params, err := pssParameters(h)
			if err != nil {
				return AlgorithmIdentifier{}, err
			}
			return AlgorithmIdentifier{Algorithm: OIDRSAPSS, Parameters: params}, nil
		}
		oid := map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: OIDSHA256WithRSA,
			crypto.SHA384: OIDSHA384WithRSA,
			crypto.SHA512: OIDSHA512WithRSA,
		}[h]
		return AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, nil
	case *ecdsa.PublicKey:
		if pss {
			return AlgorithmIdentifier{}, fmt.Errorf("%w: PSS with an EC key", ErrUnsupportedAlgorithm)
		}
		oid := map[crypto.Hash]asn1.ObjectIdentifier{
			crypto.SHA256: OIDECDSAWithSHA256,
			crypto.SHA384: OIDECDSAWithSHA384,
			crypto.SHA512: OIDECDSAWithSHA512,
		}[h]
		return AlgorithmIdentifier{Algorithm: oid}, nil
	default:
		return AlgorithmIdentifier{}, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// pssParameters encodes RSASSA-PSS-params with MGF1 over the same hash and
// a salt as long as the digest.
func pssParameters(h crypto.Hash) (asn1.RawValue, error) {
	digestAlg, err := DigestAlgorithm(h)
	if err != nil {
		return asn1.RawValue{}, err
	}
	addHash := func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(digestAlg.Algorithm)
			b.AddASN1NULL()
		})
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), addHash)
		b.AddASN1(cbasn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(OIDMGF1)
				addHash(b)
			})
		})
		b.AddASN1(cbasn1.Tag(2).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1Int64(int64(h.Size()))
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("encoding PSS parameters: %w", err)
	}
	return asn1.RawValue{FullBytes: der}, nil
}

// Builder assembles a detached SignedData around a content digest.
type Builder struct {
	// Chain holds the signer certificate first, then its issuers.
	Chain []*x509.Certificate
	Hash  crypto.Hash
	// SigningTime defaults to the current time.
	SigningTime time.Time
	// Timestamper, when set, is asked for a token over the signature value.
	Timestamper timestamps.Timestamper
	// OmitSigningCertificate drops the ESS signing-certificate-v2 attribute.
	OmitSigningCertificate bool
}

// NewBuilder creates a builder for chain using h as the digest algorithm.
func NewBuilder(chain []*x509.Certificate, h crypto.Hash) *Builder {
	return &Builder{Chain: chain, Hash: h}
}

func (b *Builder) leaf() (*x509.Certificate, error) {
	if len(b.Chain) == 0 || b.Chain[0] == nil {
		return nil, ErrMissingCertificate
	}
	return b.Chain[0], nil
}

// SignedAttributes returns the signed attributes for contentDigest and
// their DER encoding as a SET, which is what gets signed.
func (b *Builder) SignedAttributes(contentDigest []byte) ([]Attribute, []byte, error) {
	leaf, err := b.leaf()
	if err != nil {
		return nil, nil, err
	}
	digestAlg, err := DigestAlgorithm(b.Hash)
	if err != nil {
		return nil, nil, err
	}
	if len(contentDigest) != b.Hash.Size() {
		return nil, nil, fmt.Errorf("%w: %d bytes for %v", ErrInvalidDigest, len(contentDigest), b.Hash)
	}

	signingTime := b.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	contentType, _ := asn1.Marshal(OIDData)
	digestValue, _ := asn1.Marshal(contentDigest)
	timeValue, err := asn1.Marshal(signingTime.UTC().Truncate(time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("encoding signing time: %w", err)
	}

	attrs := []Attribute{
		{Type: OIDContentType, Values: []asn1.RawValue{{FullBytes: contentType}}},
		{Type: OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digestValue}}},
		{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: timeValue}}},
	}

	if !b.OmitSigningCertificate {
		h := b.Hash.New()
		h.Write(leaf.Raw)
		// id-sha256 is the DEFAULT hashAlgorithm and must not be encoded.
		certHashAlg := digestAlg
		if b.Hash == crypto.SHA256 {
			certHashAlg = AlgorithmIdentifier{}
		}
		signingCert := SigningCertificateV2{
			Certs: []ESSCertIDv2{{
				HashAlgorithm: certHashAlg,
				CertHash:      h.Sum(nil),
				IssuerSerial: IssuerSerial{
					Issuer: []asn1.RawValue{{
						Class:      asn1.ClassContextSpecific,
						Tag:        4, // directoryName
						IsCompound: true,
						Bytes:      leaf.RawIssuer,
					}},
					SerialNumber: leaf.SerialNumber,
				},
			}},
		}
		value, err := asn1.Marshal(signingCert)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding signing certificate: %w", err)
		}
		attrs = append(attrs, Attribute{Type: OIDSigningCertificateV2, Values: []asn1.RawValue{{FullBytes: value}}})
	}

	attrs = derSortAttributes(attrs)
	der, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding signed attributes: %w", err)
	}
	der[0] = 0x31 // SET tag
	return attrs, der, nil
}

// Sign builds the signed attributes for contentDigest and has signer sign
// their digest. The returned SignerInfo has no unsigned attributes yet.
func (b *Builder) Sign(ctx context.Context, contentDigest []byte, signer DigestSigner) (*SignerInfo, error) {
	attrs, attrsDER, err := b.SignedAttributes(contentDigest)
	if err != nil {
		return nil, err
	}
	leaf, _ := b.leaf()
	digestAlg, _ := DigestAlgorithm(b.Hash)

	h := b.Hash.New()
	h.Write(attrsDER)
	sig, err := signer.Sign(ctx, h.Sum(nil), b.Hash)
	if err != nil {
		return nil, fmt.Errorf("signing attributes: %w", err)
	}
	if sig == nil || len(sig.Value) == 0 {
		return nil, fmt.Errorf("%w: empty signature value", ErrInvalidSignature)
	}

	return &SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: leaf.RawIssuer},
			SerialNumber: leaf.SerialNumber,
		},
		DigestAlgorithm:    digestAlg,
		SignedAttrs:        attrs,
		SignatureAlgorithm: sig.Algorithm,
		Signature:          sig.Value,
	}, nil
}

// Timestamp obtains a token over the signature value of si and attaches it
// as an unsigned attribute. It is a no-op without a Timestamper.
func (b *Builder) Timestamp(ctx context.Context, si *SignerInfo) ([]byte, error) {
	if b.Timestamper == nil {
		return nil, nil
	}
	token, err := b.Timestamper.Timestamp(ctx, si.Signature)
	if err != nil {
		return nil, err
	}
	si.UnsignedAttrs = append(si.UnsignedAttrs, Attribute{
		Type:   OIDTimeStampToken,
		Values: []asn1.RawValue{{FullBytes: token}},
	})
	return token, nil
}

// Assemble wraps si and the certificate chain into a DER ContentInfo.
func (b *Builder) Assemble(si *SignerInfo) ([]byte, error) {
	if _, err := b.leaf(); err != nil {
		return nil, err
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{si.DigestAlgorithm},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []SignerInfo{*si},
	}
	for _, cert := range b.Chain {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}
	return asn1.Marshal(contentInfo)
}

// Build runs Sign, Timestamp and Assemble in order. A timestamp failure
// fails the build.
func (b *Builder) Build(ctx context.Context, contentDigest []byte, signer DigestSigner) ([]byte, error) {
	si, err := b.Sign(ctx, contentDigest, signer)
	if err != nil {
		return nil, err
	}
	if _, err := b.Timestamp(ctx, si); err != nil {
		return nil, fmt.Errorf("timestamping signature: %w", err)
	}
	return b.Assemble(si)
}

// derSortAttributes sorts attributes by their DER encoding, matching the
// order encoding/asn1 uses for SET OF.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})

	result := make([]Attribute, len(attrs))
	for i, a := range sorted {
		result[i] = a.attr
	}
	return result
}
