// Package timestamps provides RFC 3161 timestamp support.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"
)

// OIDs for timestamp structures
var (
	OIDContentType        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSignedData         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	OIDSignatureTimeStamp = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	// Hash algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Common errors
var (
	ErrInvalidURL        = errors.New("invalid timestamp server URL")
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

// ContentTypeQuery and ContentTypeReply are the RFC 3161 media types.
const (
	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"
)

// DefaultTimeout bounds a single timestamp exchange.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps the TSA response body.
const maxResponseSize = 1 << 20

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the data to timestamp.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq represents a timestamp request (RFC 3161).
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []Extension           `asn1:"optional,implicit,tag:0"`
}

// TimeStampResp represents a timestamp response (RFC 3161).
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo represents the status of a PKI operation.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// TimestampRequestOptions configures a timestamp request.
type TimestampRequestOptions struct {
	HashAlgorithm crypto.Hash
	Policy        asn1.ObjectIdentifier
	IncludeNonce  bool
	RequestCerts  bool
}

// DefaultTimestampRequestOptions returns default options.
func DefaultTimestampRequestOptions() *TimestampRequestOptions {
	return &TimestampRequestOptions{
		HashAlgorithm: crypto.SHA256,
		IncludeNonce:  true,
		RequestCerts:  true,
	}
}

// Timestamper exchanges data for an RFC 3161 timestamp token. The data is
// hashed by the timestamper; the returned token is the DER ContentInfo.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte) ([]byte, error)
}

// HTTPTimestamper implements Timestamper using HTTP.
type HTTPTimestamper struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string
	Options    *TimestampRequestOptions
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	return nil
}

// NewHTTPTimestamper creates a new HTTP timestamper. The URL is validated
// here so a misconfiguration fails before any request is made.
func NewHTTPTimestamper(rawURL string) (*HTTPTimestamper, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return &HTTPTimestamper{
		URL: rawURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		Options: DefaultTimestampRequestOptions(),
	}, nil
}

// SetCredentials sets authentication credentials.
func (t *HTTPTimestamper) SetCredentials(username, password string) {
	t.Username = username
	t.Password = password
}

// SetTimeout sets the timeout of the underlying HTTP client.
func (t *HTTPTimestamper) SetTimeout(d time.Duration) {
	if d > 0 {
		t.HTTPClient.Timeout = d
	}
}

// Timestamp implements Timestamper.
func (t *HTTPTimestamper) Timestamp(ctx context.Context, data []byte) ([]byte, error) {
	opts := t.Options
	if opts == nil {
		opts = DefaultTimestampRequestOptions()
	}

	req, nonce, err := CreateTimestampRequest(data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	httpReq.Header.Set("Content-Type", ContentTypeQuery)
	if t.Username != "" {
		httpReq.SetBasicAuth(t.Username, t.Password)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	return ParseTimestampResponse(respData, data, opts.HashAlgorithm, nonce)
}

// CreateTimestampRequest creates a DER-encoded timestamp request. The
// returned nonce is nil unless opts.IncludeNonce is set.
func CreateTimestampRequest(data []byte, opts *TimestampRequestOptions) ([]byte, *big.Int, error) {
	oid, err := hashOID(opts.HashAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	h := opts.HashAlgorithm.New()
	h.Write(data)

	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  oid,
				Parameters: asn1.NullRawValue,
			},
			HashedMessage: h.Sum(nil),
		},
		CertReq: opts.RequestCerts,
	}

	if len(opts.Policy) > 0 {
		req.ReqPolicy = opts.Policy
	}

	if opts.IncludeNonce {
		nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return nil, nil, err
		}
		req.Nonce = nonce
	}

	der, err := asn1.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	return der, req.Nonce, nil
}

// ParseTimestampResponse parses a timestamp response, checks that it was
// granted and that it covers originalData, and returns the token. When
// nonce is not nil the token must echo it.
func ParseTimestampResponse(respData []byte, originalData []byte, hashAlg crypto.Hash, nonce *big.Int) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	// 0 = granted, 1 = grantedWithMods
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, resp.Status.Status, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted response without token", ErrInvalidTimestamp)
	}

	tstInfo, err := ExtractTSTInfo(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, err
	}

	h := hashAlg.New()
	h.Write(originalData)
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, h.Sum(nil)) {
		return nil, ErrTimestampMismatch
	}
	if nonce != nil {
		if tstInfo.Nonce == nil {
			return nil, fmt.Errorf("%w: nonce missing from token", ErrInvalidTimestamp)
		}
		if tstInfo.Nonce.Cmp(nonce) != 0 {
			return nil, fmt.Errorf("%w: nonce %v does not match request nonce %v", ErrInvalidTimestamp, tstInfo.Nonce, nonce)
		}
	}

	return resp.TimeStampToken.FullBytes, nil
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type tokenSignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo struct {
		EContentType asn1.ObjectIdentifier
		EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
	}
	Certificates asn1.RawValue `asn1:"optional,implicit,tag:0"`
	CRLs         asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos  asn1.RawValue
}

// ExtractTSTInfo extracts the TSTInfo from a timestamp token.
func ExtractTSTInfo(tokenData []byte) (*TSTInfo, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(tokenData, &ci); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: token is not SignedData", ErrInvalidTimestamp)
	}

	var sd tokenSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: unexpected content type %v", ErrInvalidTimestamp, sd.EncapContentInfo.EContentType)
	}

	// eContent is an OCTET STRING wrapping the DER TSTInfo.
	var tstInfoBytes []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &tstInfoBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	var tstInfo TSTInfo
	if _, err := asn1.Unmarshal(tstInfoBytes, &tstInfo); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidTimestamp, err)
	}

	return &tstInfo, nil
}

// GetGenTime returns the generation time from a timestamp token.
func GetGenTime(tokenData []byte) (time.Time, error) {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return time.Time{}, err
	}
	return tstInfo.GenTime, nil
}

// VerifyTimestamp checks that a token's message imprint covers originalData.
func VerifyTimestamp(tokenData []byte, originalData []byte) error {
	tstInfo, err := ExtractTSTInfo(tokenData)
	if err != nil {
		return err
	}

	hashAlg := hashFromOID(tstInfo.MessageImprint.HashAlgorithm.Algorithm)
	if hashAlg == 0 {
		return fmt.Errorf("%w: unsupported hash algorithm %v", ErrInvalidTimestamp, tstInfo.MessageImprint.HashAlgorithm.Algorithm)
	}

	h := hashAlg.New()
	h.Write(originalData)
	if !bytes.Equal(tstInfo.MessageImprint.HashedMessage, h.Sum(nil)) {
		return ErrTimestampMismatch
	}
	return nil
}

func hashOID(alg crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch alg {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %v", alg)
	}
}

func hashFromOID(oid asn1.ObjectIdentifier) crypto.Hash {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256
	case oid.Equal(OIDSHA384):
		return crypto.SHA384
	case oid.Equal(OIDSHA512):
		return crypto.SHA512
	default:
		return 0
	}
}
