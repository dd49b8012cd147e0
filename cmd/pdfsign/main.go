// Command pdfsign signs PDF documents.
//
// Usage:
//
//	pdfsign <command> [flags] <args>
//	pdfsign --version
//
// Commands:
//
//	sign-key     Sign with a PEM private key and certificate
//	sign-p12     Sign with a PKCS#12 container
//	sign-gcloud  Sign with a Google Cloud KMS key
//	inspect      Show the signatures of a signed PDF
//
// Examples:
//
//	# Sign with a local key
//	pdfsign sign-key --cert cert.pem --key key.pem --reason Approved input.pdf output.pdf
//
//	# Sign with a KMS key and a time-stamp
//	pdfsign sign-gcloud --cert cert.pem \
//	    --key-path projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1 \
//	    --tsa https://freetsa.org/tsr input.pdf output.pdf
//
//	# Inspect with JSON output
//	pdfsign inspect --json output.pdf
package main

import (
	"os"

	"github.com/georgepadayatti/pdfsign/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/pdfsign
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	os.Exit(cli.Run(os.Args))
}
