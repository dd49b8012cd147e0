// Package signers computes byte range digests, obtains signatures from
// local or remote keys and embeds the resulting CMS into PDF documents.
package signers

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/georgepadayatti/pdfsign/pdf/reader"
	"github.com/georgepadayatti/pdfsign/pdf/writer"
	"github.com/georgepadayatti/pdfsign/sign/cms"
	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

const tracerName = "github.com/georgepadayatti/pdfsign/sign/signers"

// Signer produces signature values over digests and knows the certificate
// chain of its key, signer first.
type Signer interface {
	cms.DigestSigner
	CertificateChain(ctx context.Context) ([]*x509.Certificate, error)
}

// backendName names a signer in logs and spans.
func backendName(s Signer) string {
	switch s.(type) {
	case *PrivateKeySigner:
		return "key"
	case *P12Signer:
		return "p12"
	case *KMSSigner:
		return "gcloud"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// PdfSigner signs PDF documents with one signature per call. It holds no
// per-document state, so one PdfSigner may serve concurrent calls when its
// Signer allows it.
type PdfSigner struct {
	Signer Signer
	// Hash is the digest algorithm for the document and the attributes.
	Hash crypto.Hash
	// Field selects or creates the signature field.
	Field writer.SignatureFieldSpec
	// Metadata fills the signature dictionary. A zero SigningTime means
	// the clock's current time.
	Metadata writer.SignatureMetadata
	// BytesReserved is the DER capacity of /Contents.
	BytesReserved int
	// Timestamper, when set, adds a signature timestamp token.
	Timestamper timestamps.Timestamper
	// TimestampRequired fails the signature when no token can be obtained
	// instead of signing without one.
	TimestampRequired bool
	// OmitSigningCertificate drops the ESS signing-certificate-v2 attribute.
	OmitSigningCertificate bool

	Clock  clockwork.Clock
	Logger zerolog.Logger
	Tracer trace.Tracer
}

// NewPdfSigner creates a PDF signer with SHA-256, the default placeholder
// size, the real clock and a disabled logger.
func NewPdfSigner(signer Signer) *PdfSigner {
	return &PdfSigner{
		Signer:        signer,
		Hash:          crypto.SHA256,
		BytesReserved: writer.DefaultContentsSize,
		Clock:         clockwork.NewRealClock(),
		Logger:        zerolog.Nop(),
		Tracer:        otel.Tracer(tracerName),
	}
}

func (p *PdfSigner) tracer() trace.Tracer {
	if p.Tracer == nil {
		return otel.Tracer(tracerName)
	}
	return p.Tracer
}

func (p *PdfSigner) now() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

// Prepare appends the signature field and dictionary with a zeroed
// /Contents and returns the updated document and its byte range.
func (p *PdfSigner) Prepare(ctx context.Context, document []byte) (*writer.PreparedDocument, error) {
	_, span := p.tracer().Start(ctx, "pdfsign.prepare")
	defer span.End()

	r, err := reader.NewPdfFileReaderFromBytes(document)
	if err != nil {
		return nil, p.fail(span, NewSigningError(MalformedDocument, "reading document", err))
	}
	w, err := writer.NewIncrementalPdfFileWriter(r)
	if err != nil {
		return nil, p.fail(span, NewSigningError(MalformedDocument, "opening incremental update", err))
	}
	fieldRef, field, name, err := w.AddSignatureField(p.Field)
	if err != nil {
		return nil, p.fail(span, NewSigningError(MalformedDocument, "adding signature field", err))
	}

	meta := p.Metadata
	if meta.SigningTime.IsZero() {
		meta.SigningTime = p.now().Now()
	}
	size := p.BytesReserved
	if size <= 0 {
		size = writer.DefaultContentsSize
	}

	placeholder := w.PrepareSignature(fieldRef, field, name, meta, size)
	prepared, err := w.WriteWithPlaceholder(placeholder)
	if err != nil {
		return nil, p.fail(span, NewSigningError(EncodingFailure, "writing signature placeholder", err))
	}
	span.SetAttributes(
		attribute.String("pdfsign.field", prepared.FieldName),
		attribute.Int("pdfsign.contents_size", prepared.ContentsSize),
	)
	return prepared, nil
}

// Sign returns document with one new signature. On failure the returned
// slice is document itself, unmodified, together with a *SigningError.
func (p *PdfSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	ctx, span, log := p.start(ctx, "pdfsign.sign")
	defer span.End()

	prepared, err := p.Prepare(ctx, document)
	if err != nil {
		log.Error().Err(err).Msg("preparing document failed")
		return document, p.fail(span, err)
	}
	signed, err := p.SignPrepared(ctx, prepared)
	if err != nil {
		log.Error().Err(err).Str("kind", KindOf(err).String()).Msg("signing failed")
		return document, p.fail(span, err)
	}
	log.Info().Int("size", len(signed)).Str("field", prepared.FieldName).Msg("document signed")
	return signed, nil
}

// SignPrepared digests the byte range of a prepared document, builds the
// CMS and splices it into /Contents. The result has the same length as
// prepared.Data.
func (p *PdfSigner) SignPrepared(ctx context.Context, prepared *writer.PreparedDocument) ([]byte, error) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &p.Logger
	}

	digest, err := ComputeByteRangeDigest(prepared.Data, prepared.ByteRange, p.Hash)
	if err != nil {
		return nil, err
	}
	log.Debug().Interface("byte_range", prepared.ByteRange).Msg("byte range digested")

	signingTime := prepared.SigningTime
	if signingTime.IsZero() {
		signingTime = p.now().Now()
	}

	der, err := p.buildCMS(ctx, digest, signingTime)
	if err != nil {
		return nil, err
	}

	signed, err := EmbedSignatureInBytes(prepared.Data, prepared.ByteRange, der)
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// SignDetached returns a detached CMS SignedData over content.
func (p *PdfSigner) SignDetached(ctx context.Context, content []byte) ([]byte, error) {
	ctx, span, log := p.start(ctx, "pdfsign.sign_detached")
	defer span.End()

	if !p.Hash.Available() {
		return nil, p.fail(span, NewSigningError(EncodingFailure, fmt.Sprintf("digest algorithm %v is not available", p.Hash), nil))
	}
	h := p.Hash.New()
	h.Write(content)

	signingTime := p.Metadata.SigningTime
	if signingTime.IsZero() {
		signingTime = p.now().Now()
	}
	der, err := p.buildCMS(ctx, h.Sum(nil), signingTime)
	if err != nil {
		log.Error().Err(err).Str("kind", KindOf(err).String()).Msg("detached signing failed")
		return nil, p.fail(span, err)
	}
	log.Info().Int("cms_size", len(der)).Msg("detached signature created")
	return der, nil
}

// start opens a span and a request scoped logger.
func (p *PdfSigner) start(ctx context.Context, name string) (context.Context, trace.Span, *zerolog.Logger) {
	requestID := uuid.NewString()
	backend := backendName(p.Signer)
	ctx, span := p.tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("pdfsign.request_id", requestID),
		attribute.String("pdfsign.backend", backend),
	))
	log := p.Logger.With().Str("request_id", requestID).Str("backend", backend).Logger()
	return log.WithContext(ctx), span, &log
}

// buildCMS signs digest and assembles the SignedData. The timestamp step
// runs after signing so a lost token never costs a second signature.
func (p *PdfSigner) buildCMS(ctx context.Context, digest []byte, signingTime time.Time) ([]byte, error) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &p.Logger
	}

	chain, err := p.Signer.CertificateChain(ctx)
	if err != nil {
		return nil, wrapError(InvalidKey, "loading certificate chain", err)
	}

	builder := cms.NewBuilder(chain, p.Hash)
	builder.SigningTime = signingTime
	builder.OmitSigningCertificate = p.OmitSigningCertificate

	signCtx, span := p.tracer().Start(ctx, "pdfsign.cms.sign")
	si, err := builder.Sign(signCtx, digest, p.Signer)
	if err != nil {
		span.End()
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, wrapError(RemoteSigningFailure, "signing canceled", err)
		case errors.Is(err, cms.ErrMissingCertificate), errors.Is(err, cms.ErrUnsupportedAlgorithm):
			return nil, wrapError(InvalidKey, "building signer info", err)
		default:
			return nil, wrapError(EncodingFailure, "building signer info", err)
		}
	}
	span.End()

	timestamped := false
	if p.Timestamper != nil {
		builder.Timestamper = p.Timestamper
		tsCtx, tsSpan := p.tracer().Start(ctx, "pdfsign.timestamp")
		_, err := builder.Timestamp(tsCtx, si)
		tsSpan.End()
		switch {
		case err == nil:
			timestamped = true
		case p.TimestampRequired || ctx.Err() != nil:
			return nil, NewSigningError(TimestampUnavailable, "timestamping signature", err)
		default:
			log.Warn().Err(err).Msg("timestamp unavailable, signing without it")
		}
	}

	der, err := builder.Assemble(si)
	if err != nil {
		return nil, NewSigningError(EncodingFailure, "encoding SignedData", err)
	}
	log.Debug().Int("cms_size", len(der)).Bool("timestamped", timestamped).Msg("CMS assembled")
	return der, nil
}

func (p *PdfSigner) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
