// Package sign exposes the signing entry points: one per origin of key
// material. Each call signs one document with one signature and keeps no
// state between calls.
package sign

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/pdfsign/keys"
	"github.com/georgepadayatti/pdfsign/pdf/writer"
	"github.com/georgepadayatti/pdfsign/sign/signers"
	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

// Options are the optional inputs shared by all entry points.
type Options struct {
	// SigningTime is an ISO-8601 timestamp. Empty or unparseable text means
	// the current time.
	SigningTime string

	// TimestampServer is the URL of an RFC 3161 authority. Empty skips the
	// timestamp.
	TimestampServer   string
	TimestampUsername string
	TimestampPassword string
	TimestampTimeout  time.Duration
	// TimestampRequired fails the signature when the authority does not
	// answer instead of signing without a token.
	TimestampRequired bool

	// Hash defaults to SHA-256.
	Hash      crypto.Hash
	PreferPSS bool
	// BytesReserved defaults to writer.DefaultContentsSize.
	BytesReserved int

	FieldName   string
	Page        int
	Name        string
	Reason      string
	Location    string
	ContactInfo string

	// KMSTimeout bounds the remote signing call. Zero means
	// signers.DefaultKMSTimeout.
	KMSTimeout time.Duration
	// KMSEndpoint and KMSCredentialsFile are used when SignWithGCloud has to
	// open its own client.
	KMSEndpoint        string
	KMSCredentialsFile string

	Logger *zerolog.Logger
	Clock  clockwork.Clock
}

// signingTimeLayouts are tried in order. Text without a zone is UTC.
var signingTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// parseSigningTime returns the zero time for empty or unparseable text.
func parseSigningTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	for _, layout := range signingTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (o *Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// pdfSigner configures the orchestrator for signer. A bad timestamp URL is
// reported here, before anything is sent over the network.
func (o *Options) pdfSigner(s signers.Signer) (*signers.PdfSigner, error) {
	ps := signers.NewPdfSigner(s)
	ps.Logger = o.logger()
	if o.Clock != nil {
		ps.Clock = o.Clock
	}
	if o.Hash != 0 {
		ps.Hash = o.Hash
	}
	if o.BytesReserved > 0 {
		ps.BytesReserved = o.BytesReserved
	}
	ps.Field = writer.SignatureFieldSpec{Name: o.FieldName, Page: o.Page}

	signingTime, ok := parseSigningTime(o.SigningTime)
	if !ok {
		ps.Logger.Warn().Str("signing_time", o.SigningTime).Msg("unparseable signing time, using the current time")
	}
	ps.Metadata = writer.SignatureMetadata{
		Name:        o.Name,
		Reason:      o.Reason,
		Location:    o.Location,
		ContactInfo: o.ContactInfo,
		SigningTime: signingTime,
	}

	if o.TimestampServer != "" {
		tsa, err := timestamps.NewHTTPTimestamper(o.TimestampServer)
		if err != nil {
			return nil, signers.NewSigningError(signers.TimestampUnavailable, "timestamp server", err)
		}
		tsa.SetCredentials(o.TimestampUsername, o.TimestampPassword)
		tsa.SetTimeout(o.TimestampTimeout)
		tsa.Options.HashAlgorithm = ps.Hash
		ps.Timestamper = tsa
		ps.TimestampRequired = o.TimestampRequired
	}
	return ps, nil
}

// SignWithPrivateKey signs a PDF with a PEM private key. certPEM holds the
// signer certificate first, optionally followed by its issuers. On failure
// content is returned unchanged together with a *signers.SigningError.
func SignWithPrivateKey(ctx context.Context, content, certPEM, keyPEM []byte, opts Options) ([]byte, error) {
	s, err := signers.NewPrivateKeySignerFromPEM(certPEM, keyPEM)
	if err != nil {
		return content, err
	}
	defer s.Close()
	s.PreferPSS = opts.PreferPSS
	return signPDF(ctx, content, s, &opts)
}

// SignWithP12 signs a PDF with the key and certificates of a PKCS#12
// container. The decrypted key is zeroed before returning.
func SignWithP12(ctx context.Context, content, p12 []byte, password string, opts Options) ([]byte, error) {
	s := signers.NewP12Signer(p12, password)
	defer s.Close()
	s.PreferPSS = opts.PreferPSS
	return signPDF(ctx, content, s, &opts)
}

// SignWithGCloud signs a PDF with a Cloud KMS key version. client may be
// nil, in which case a client is opened from opts and closed afterwards.
func SignWithGCloud(ctx context.Context, content, certPEM []byte, keyPath string, client signers.KMSClient, opts Options) ([]byte, error) {
	s, closeFn, err := gcloudSigner(ctx, certPEM, keyPath, client, &opts)
	if err != nil {
		return content, err
	}
	defer closeFn()
	return signPDF(ctx, content, s, &opts)
}

// CreateDetachedCMSWithPrivateKey returns a detached CMS SignedData over
// content.
func CreateDetachedCMSWithPrivateKey(ctx context.Context, content, certPEM, keyPEM []byte, opts Options) ([]byte, error) {
	s, err := signers.NewPrivateKeySignerFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.PreferPSS = opts.PreferPSS
	return signDetached(ctx, content, s, &opts)
}

// CreateDetachedCMSWithP12 returns a detached CMS SignedData over content.
func CreateDetachedCMSWithP12(ctx context.Context, content, p12 []byte, password string, opts Options) ([]byte, error) {
	s := signers.NewP12Signer(p12, password)
	defer s.Close()
	s.PreferPSS = opts.PreferPSS
	return signDetached(ctx, content, s, &opts)
}

// CreateDetachedCMSWithGCloud returns a detached CMS SignedData over
// content.
func CreateDetachedCMSWithGCloud(ctx context.Context, content, certPEM []byte, keyPath string, client signers.KMSClient, opts Options) ([]byte, error) {
	s, closeFn, err := gcloudSigner(ctx, certPEM, keyPath, client, &opts)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return signDetached(ctx, content, s, &opts)
}

func signPDF(ctx context.Context, content []byte, s signers.Signer, opts *Options) ([]byte, error) {
	ps, err := opts.pdfSigner(s)
	if err != nil {
		return content, err
	}
	return ps.Sign(ctx, content)
}

func signDetached(ctx context.Context, content []byte, s signers.Signer, opts *Options) ([]byte, error) {
	ps, err := opts.pdfSigner(s)
	if err != nil {
		return nil, err
	}
	return ps.SignDetached(ctx, content)
}

func gcloudSigner(ctx context.Context, certPEM []byte, keyPath string, client signers.KMSClient, opts *Options) (*signers.KMSSigner, func(), error) {
	chain, err := loadChain(certPEM)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if client == nil {
		if keyPath == "" {
			return nil, nil, signers.NewSigningError(signers.InvalidKey, "empty KMS key path", nil)
		}
		c, err := signers.DialKMS(ctx, opts.KMSEndpoint, opts.KMSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		client = c
		closeFn = func() { _ = c.Close() }
	}
	s, err := signers.NewKMSSigner(client, keyPath, chain)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if opts.KMSTimeout > 0 {
		s.Timeout = opts.KMSTimeout
	}
	s.PreferPSS = opts.PreferPSS
	return s, closeFn, nil
}

func loadChain(certPEM []byte) ([]*x509.Certificate, error) {
	chain, err := keys.LoadChainFromPemDerData(certPEM)
	if err != nil {
		return nil, signers.NewSigningError(signers.InvalidKey, "parsing certificate", err)
	}
	return chain, nil
}
