package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/pdfsign/config"
	"github.com/georgepadayatti/pdfsign/sign"
	"github.com/georgepadayatti/pdfsign/sign/signers"
)

// SignFlags are shared by the sign commands. Values given on the command
// line override the configuration file.
type SignFlags struct {
	Input  string `arg:"" help:"Document to sign." type:"existingfile"`
	Output string `arg:"" help:"Output file." type:"path"`

	Name        string `help:"Name of the signatory."`
	Reason      string `help:"Reason for signing."`
	Location    string `help:"Location of the signatory."`
	Contact     string `help:"Contact information for the signatory."`
	Field       string `help:"Name of the signature field. A fresh name is generated when empty."`
	Page        int    `help:"Zero-based page the signature widget is attached to."`
	SigningTime string `name:"signing-time" help:"Signing time as ISO-8601. Defaults to now."`

	TSA         string `name:"tsa" help:"URL of an RFC 3161 time-stamp authority."`
	TSAUsername string `name:"tsa-username" help:"Time-stamp authority user name."`
	TSAPassword string `name:"tsa-password" help:"Time-stamp authority password." env:"PDFSIGN_TSA_PASSWORD"`
	TSARequired bool   `name:"tsa-required" help:"Fail when no time-stamp token can be obtained."`

	Digest        string `help:"Digest algorithm (sha256, sha384, sha512)."`
	PSS           bool   `name:"pss" help:"Use RSASSA-PSS for RSA keys."`
	BytesReserved int    `name:"bytes-reserved" help:"Bytes reserved for the CMS container."`

	Detached bool `help:"Write a detached CMS signature of the input instead of a signed PDF."`
	Retries  uint `help:"Retries after a remote signing failure." default:"0"`
}

// signFunc signs content with one backend.
type signFunc func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error)

// retryBackOff is replaced in tests.
var retryBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// apply merges the flags into cfg.
func (f *SignFlags) apply(cfg *config.AppConfig) {
	s := cfg.Signing
	setString(&s.Name, f.Name)
	setString(&s.Reason, f.Reason)
	setString(&s.Location, f.Location)
	setString(&s.ContactInfo, f.Contact)
	setString(&s.FieldName, f.Field)
	setString(&s.DigestAlgorithm, f.Digest)
	if f.PSS {
		s.PreferPSS = true
	}
	if f.BytesReserved != 0 {
		s.BytesReserved = f.BytesReserved
	}

	t := cfg.Timestamp
	setString(&t.URL, f.TSA)
	setString(&t.Username, f.TSAUsername)
	setString(&t.Password, f.TSAPassword)
	if f.TSARequired {
		t.Required = true
	}
}

func (f *SignFlags) options(cfg *config.AppConfig, logger *zerolog.Logger) (sign.Options, error) {
	h, err := cfg.Signing.Hash()
	if err != nil {
		return sign.Options{}, err
	}
	return sign.Options{
		SigningTime:        f.SigningTime,
		TimestampServer:    cfg.Timestamp.URL,
		TimestampUsername:  cfg.Timestamp.Username,
		TimestampPassword:  cfg.Timestamp.Password,
		TimestampTimeout:   cfg.Timestamp.TimeoutDuration(),
		TimestampRequired:  cfg.Timestamp.Required,
		Hash:               h,
		PreferPSS:          cfg.Signing.PreferPSS,
		BytesReserved:      cfg.Signing.BytesReserved,
		FieldName:          cfg.Signing.FieldName,
		Page:               f.Page,
		Name:               cfg.Signing.Name,
		Reason:             cfg.Signing.Reason,
		Location:           cfg.Signing.Location,
		ContactInfo:        cfg.Signing.ContactInfo,
		KMSTimeout:         cfg.KMS.TimeoutDuration(),
		KMSEndpoint:        cfg.KMS.Endpoint,
		KMSCredentialsFile: cfg.KMS.CredentialsFile,
		Logger:             logger,
	}, nil
}

// run validates the merged configuration, signs the input and writes the
// result. Nothing is written when signing fails.
func (f *SignFlags) run(ctx context.Context, g *Globals, cfg *config.AppConfig, signPDF, signDetached signFunc) error {
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := g.logger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := f.options(cfg, &logger)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(f.Input)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	op := signPDF
	if f.Detached {
		op = signDetached
	}
	logger.Debug().
		Str("input", f.Input).
		Str("backend", cfg.Signing.Backend).
		Bool("detached", f.Detached).
		Msg("signing")

	out, err := withRetry(ctx, f.Retries, logger, func() ([]byte, error) {
		return op(ctx, content, opts)
	})
	if err != nil {
		logger.Error().Err(err).Str("kind", signers.KindOf(err).String()).Msg("signing failed")
		return err
	}

	if err := os.WriteFile(f.Output, out, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	logger.Info().Str("output", f.Output).Int("size", len(out)).Msg("signed")
	g.success("Signed %s: %s", f.Input, f.Output)
	return nil
}

// withRetry repeats op after remote signing failures only. Every other
// failure is returned at once.
func withRetry(ctx context.Context, retries uint, logger zerolog.Logger, op func() ([]byte, error)) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		out, err := op()
		if err != nil && signers.KindOf(err) != signers.RemoteSigningFailure {
			return nil, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(retryBackOff()),
		backoff.WithMaxTries(retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("remote signing failed, retrying")
		}),
	)
}

// SignKeyCmd signs with a PEM private key.
type SignKeyCmd struct {
	SignFlags `embed:""`

	Cert string `help:"Signer certificate, optionally followed by its issuers (PEM)." type:"existingfile"`
	Key  string `help:"Private key (PEM)." type:"existingfile"`
}

func (c *SignKeyCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.appConfig()
	if err != nil {
		return err
	}
	cfg.Signing.Backend = config.BackendKey
	setString(&cfg.Signing.CertFile, c.Cert)
	setString(&cfg.Signing.KeyFile, c.Key)

	var certPEM, keyPEM []byte
	load := func() error {
		if certPEM, err = os.ReadFile(cfg.Signing.CertFile); err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		if keyPEM, err = os.ReadFile(cfg.Signing.KeyFile); err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		return nil
	}
	return c.run(ctx, g, cfg,
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			if err := load(); err != nil {
				return nil, err
			}
			return sign.SignWithPrivateKey(ctx, content, certPEM, keyPEM, opts)
		},
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			if err := load(); err != nil {
				return nil, err
			}
			return sign.CreateDetachedCMSWithPrivateKey(ctx, content, certPEM, keyPEM, opts)
		})
}

// SignP12Cmd signs with a PKCS#12 container.
type SignP12Cmd struct {
	SignFlags `embed:""`

	PFX        string `name:"pfx" help:"PKCS#12 container." type:"existingfile"`
	Passphrase string `help:"PKCS#12 passphrase." env:"PDFSIGN_PFX_PASSPHRASE"`
}

func (c *SignP12Cmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.appConfig()
	if err != nil {
		return err
	}
	cfg.Signing.Backend = config.BackendP12
	setString(&cfg.Signing.PFXFile, c.PFX)
	setString(&cfg.Signing.PFXPassphrase, c.Passphrase)

	read := func() ([]byte, error) {
		data, err := os.ReadFile(cfg.Signing.PFXFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read PKCS#12 file: %w", err)
		}
		return data, nil
	}
	return c.run(ctx, g, cfg,
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			p12, err := read()
			if err != nil {
				return nil, err
			}
			return sign.SignWithP12(ctx, content, p12, cfg.Signing.PFXPassphrase, opts)
		},
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			p12, err := read()
			if err != nil {
				return nil, err
			}
			return sign.CreateDetachedCMSWithP12(ctx, content, p12, cfg.Signing.PFXPassphrase, opts)
		})
}

// SignGCloudCmd signs with a Cloud KMS asymmetric key.
type SignGCloudCmd struct {
	SignFlags `embed:""`

	Cert    string `help:"Certificate of the KMS key, optionally followed by its issuers (PEM)." type:"existingfile"`
	KeyPath string `name:"key-path" help:"KMS key version resource name."`

	Endpoint        string `help:"KMS API endpoint override."`
	CredentialsFile string `name:"credentials-file" help:"Service account key file. Defaults to application default credentials." type:"existingfile"`
	Timeout         int    `help:"Seconds allowed for each KMS call."`
}

// newKMSClient opens the client shared by all attempts of one command.
var newKMSClient = func(ctx context.Context, endpoint, credentialsFile string) (signers.KMSClient, func() error, error) {
	c, err := signers.DialKMS(ctx, endpoint, credentialsFile)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func (c *SignGCloudCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.appConfig()
	if err != nil {
		return err
	}
	cfg.Signing.Backend = config.BackendGCloud
	setString(&cfg.Signing.CertFile, c.Cert)
	setString(&cfg.Signing.KeyPath, c.KeyPath)
	setString(&cfg.KMS.Endpoint, c.Endpoint)
	setString(&cfg.KMS.CredentialsFile, c.CredentialsFile)
	if c.Timeout != 0 {
		cfg.KMS.Timeout = c.Timeout
	}

	var (
		client      signers.KMSClient
		closeClient func() error
		certPEM     []byte
	)
	prepare := func(ctx context.Context) error {
		if client != nil {
			return nil
		}
		if certPEM, err = os.ReadFile(cfg.Signing.CertFile); err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		kc, closeFn, err := newKMSClient(ctx, cfg.KMS.Endpoint, cfg.KMS.CredentialsFile)
		if err != nil {
			return err
		}
		client = kc
		closeClient = closeFn
		return nil
	}
	defer func() {
		if closeClient != nil {
			_ = closeClient()
		}
	}()

	return c.run(ctx, g, cfg,
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			if err := prepare(ctx); err != nil {
				return nil, err
			}
			return sign.SignWithGCloud(ctx, content, certPEM, cfg.Signing.KeyPath, client, opts)
		},
		func(ctx context.Context, content []byte, opts sign.Options) ([]byte, error) {
			if err := prepare(ctx); err != nil {
				return nil, err
			}
			return sign.CreateDetachedCMSWithGCloud(ctx, content, certPEM, cfg.Signing.KeyPath, client, opts)
		})
}
