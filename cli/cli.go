// Package cli provides the command-line interface for PDF signing.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/pdfsign/config"
	"github.com/georgepadayatti/pdfsign/logging"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `help:"YAML configuration file." type:"path" short:"c"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." name:"log-level"`
	LogFormat string `help:"Log format (text, json)." name:"log-format"`
	Debug     bool   `help:"Shorthand for --log-level=debug."`

	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

// appConfig loads the configuration file, if any, and applies the logging
// flags. Sections are always present in the result.
func (g *Globals) appConfig() (*config.AppConfig, error) {
	cfg := config.DefaultAppConfig()
	if g.Config != "" {
		loaded, err := config.LoadAppConfig(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.Debug {
		cfg.Logging.Level = "debug"
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	return cfg, nil
}

func (g *Globals) logger(cfg *config.AppConfig) (zerolog.Logger, func() error, error) {
	return logging.New(cfg.Logging)
}

func (g *Globals) success(format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Fprint(g.Stdout, "OK ")
	fmt.Fprintf(g.Stdout, format+"\n", args...)
}

func (g *Globals) failure(err error) {
	color.New(color.FgRed, color.Bold).Fprint(g.Stderr, "Error: ")
	fmt.Fprintln(g.Stderr, err)
}

// CLI is the command tree.
type CLI struct {
	Globals `embed:""`

	SignKey    SignKeyCmd    `cmd:"" name:"sign-key" help:"Sign with a PEM private key and certificate."`
	SignP12    SignP12Cmd    `cmd:"" name:"sign-p12" help:"Sign with a PKCS#12 container."`
	SignGCloud SignGCloudCmd `cmd:"" name:"sign-gcloud" help:"Sign with a Google Cloud KMS key."`
	Inspect    InspectCmd    `cmd:"" help:"Show the signatures of a signed PDF."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// Run executes the CLI with the given arguments and returns the exit code.
// args[0] is the program name.
// An interrupt cancels the command in flight.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var root CLI
	root.Stdout = stdout
	root.Stderr = stderr

	parser, err := kong.New(&root,
		kong.Name("pdfsign"),
		kong.Description("Sign PDF documents with a CMS signature from a local key, a PKCS#12 container or Google Cloud KMS."),
		kong.Vars{"version": fmt.Sprintf("%s (built %s)", Version, BuildTime)},
		kong.Writers(stdout, stderr),
		kong.Exit(osExit),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError(),
	)
	if err != nil {
		root.failure(err)
		return 2
	}

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	kctx, err := parser.Parse(rest)
	if err != nil {
		root.failure(err)
		return 2
	}
	if err := kctx.Run(&root.Globals); err != nil {
		root.failure(err)
		return 1
	}
	return 0
}
