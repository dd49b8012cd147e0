package timestamps

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// DummyTimeStamper acts as its own TSA for testing purposes.
// It grants every request and signs the token with TSACert. It can be used
// in-process as a Timestamper or mounted as an http.Handler.
type DummyTimeStamper struct {
	// TSACert is the TSA signing certificate.
	TSACert *x509.Certificate

	// TSAKey is the TSA private key. Only RSA keys are supported.
	TSAKey crypto.Signer

	// CertsToEmbed are additional certificates to include in the response.
	CertsToEmbed []*x509.Certificate

	// FixedTime is a fixed time to use instead of current time.
	FixedTime *time.Time

	// IncludeNonce controls whether to echo the nonce from requests.
	IncludeNonce bool

	// Policy is the TSA policy OID.
	Policy asn1.ObjectIdentifier

	// RejectStatus, when non-zero, is returned as the PKIStatus of every
	// response instead of granting it.
	RejectStatus int

	mu     sync.Mutex
	issued [][]byte
}

// NewDummyTimeStamper creates a new dummy timestamper.
func NewDummyTimeStamper(cert *x509.Certificate, key crypto.Signer) *DummyTimeStamper {
	return &DummyTimeStamper{
		TSACert:      cert,
		TSAKey:       key,
		IncludeNonce: true,
		Policy:       asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2},
	}
}

// WithCertsToEmbed adds certificates to embed in responses.
func (d *DummyTimeStamper) WithCertsToEmbed(certs []*x509.Certificate) *DummyTimeStamper {
	d.CertsToEmbed = certs
	return d
}

// WithFixedTime sets a fixed timestamp time.
func (d *DummyTimeStamper) WithFixedTime(t time.Time) *DummyTimeStamper {
	d.FixedTime = &t
	return d
}

// WithoutNonce disables nonce echoing.
func (d *DummyTimeStamper) WithoutNonce() *DummyTimeStamper {
	d.IncludeNonce = false
	return d
}

// WithPolicy sets the TSA policy OID.
func (d *DummyTimeStamper) WithPolicy(policy asn1.ObjectIdentifier) *DummyTimeStamper {
	d.Policy = policy
	return d
}

// Issued returns the tokens granted so far, oldest first.
func (d *DummyTimeStamper) Issued() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.issued))
	copy(out, d.issued)
	return out
}

// Timestamp implements Timestamper without going through HTTP.
func (d *DummyTimeStamper) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := DefaultTimestampRequestOptions()
	opts.IncludeNonce = d.IncludeNonce
	reqBytes, nonce, err := CreateTimestampRequest(data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var req TimeStampReq
	if _, err := asn1.Unmarshal(reqBytes, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}

	respBytes, err := d.handleRequest(&req)
	if err != nil {
		return nil, err
	}
	return ParseTimestampResponse(respBytes, data, opts.HashAlgorithm, nonce)
}

// ServeHTTP answers RFC 3161 requests posted as application/timestamp-query.
func (d *DummyTimeStamper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != ContentTypeQuery {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req TimeStampReq
	if _, err := asn1.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed timestamp request", http.StatusBadRequest)
		return
	}

	resp, err := d.handleRequest(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeReply)
	_, _ = w.Write(resp)
}

// handleRequest processes a timestamp request and generates a response.
func (d *DummyTimeStamper) handleRequest(req *TimeStampReq) ([]byte, error) {
	if d.RejectStatus != 0 {
		return asn1.Marshal(TimeStampResp{
			Status: PKIStatusInfo{Status: d.RejectStatus, StatusString: []string{"rejected by test TSA"}},
		})
	}

	genTime := time.Now().UTC()
	if d.FixedTime != nil {
		genTime = d.FixedTime.UTC()
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tstInfo := TSTInfo{
		Version:        1,
		Policy:         d.Policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serialNumber,
		GenTime:        genTime,
	}
	if d.IncludeNonce && req.Nonce != nil {
		tstInfo.Nonce = req.Nonce
	}

	tstInfoBytes, err := asn1.Marshal(tstInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	token, err := d.createSignedCMS(tstInfoBytes)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.issued = append(d.issued, token)
	d.mu.Unlock()

	return asn1.Marshal(TimeStampResp{
		Status:         PKIStatusInfo{Status: 0},
		TimeStampToken: asn1.RawValue{FullBytes: token},
	})
}

// createSignedCMS wraps the TSTInfo in a signed CMS ContentInfo.
func (d *DummyTimeStamper) createSignedCMS(tstInfoBytes []byte) ([]byte, error) {
	messageDigest := sha256.Sum256(tstInfoBytes)

	signedAttrs := []attribute{
		{
			Type:   OIDContentType,
			Values: []asn1.RawValue{{FullBytes: mustMarshal(OIDTSTInfo)}},
		},
		{
			Type:   OIDMessageDigest,
			Values: []asn1.RawValue{{FullBytes: mustMarshal(messageDigest[:])}},
		},
	}

	// The signature covers the attributes encoded as a SET.
	signedAttrsBytes, err := asn1.MarshalWithParams(signedAttrs, "set")
	if err != nil {
		return nil, err
	}
	signature, err := d.sign(signedAttrsBytes)
	if err != nil {
		return nil, err
	}

	si := signerInfo{
		Version: 1,
		SID: issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: d.TSACert.RawIssuer},
			SerialNumber: d.TSACert.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  OIDSHA256,
			Parameters: asn1.NullRawValue,
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, // sha256WithRSAEncryption
			Parameters: asn1.NullRawValue,
		},
		Signature: signature,
	}

	certs := []asn1.RawValue{{FullBytes: d.TSACert.Raw}}
	for _, cert := range d.CertsToEmbed {
		certs = append(certs, asn1.RawValue{FullBytes: cert.Raw})
	}

	sd := signedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{{
			Algorithm:  OIDSHA256,
			Parameters: asn1.NullRawValue,
		}},
		EncapContentInfo: encapsulatedContentInfo{
			ContentType: OIDTSTInfo,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      mustMarshal(tstInfoBytes),
			},
		},
		Certificates: certs,
		SignerInfos:  []signerInfo{si},
	}

	signedDataBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}

	return asn1.Marshal(struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue
	}{
		ContentType: OIDSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      signedDataBytes,
		},
	})
}

// sign signs data with the TSA private key.
func (d *DummyTimeStamper) sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	key, ok := d.TSAKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("unsupported key type - dummy timestamper supports RSA only")
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []attribute `asn1:"implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

type encapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type signedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

func mustMarshal(v any) []byte {
	data, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// CreateTestTimestamper creates a dummy timestamper with a self-signed
// RSA certificate.
func CreateTestTimestamper() (*DummyTimeStamper, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Test TSA",
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return NewDummyTimeStamper(cert, privateKey), nil
}
