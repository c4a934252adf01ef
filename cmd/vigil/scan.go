package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vigil-xy/vigil/internal/keystore"
	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/service"
	"github.com/vigil-xy/vigil/internal/signing"

	"github.com/spf13/cobra"
)

// exit codes of vigil verify
const (
	exitValid     = 0
	exitMalformed = 1
	exitTampered  = 2
	exitNotSigned = 3
)

func scanCmd() *cobra.Command {
	var (
		sign   bool
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "run a full scan once and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, "scan")
			cfg := config
			if cmd.Flags().Changed("sign") {
				cfg.Service.Sign = sign
			}
			if cmd.Flags().Changed("format") {
				cfg.Service.Format = format
			}
			switch cfg.Service.Format {
			case model.FormatJSON:
			case model.FormatCycloneDX:
				if cfg.Service.Sign {
					slog.WarnContext(ctx, "cyclonedx output is not signed")
				}
			default:
				return fmt.Errorf("unsupported format %q", cfg.Service.Format)
			}

			pipeline, err := service.NewPipeline(ctx, cfg, version())
			if err != nil {
				return err
			}
			d, err := pipeline.Run(ctx)
			if err != nil {
				return err
			}
			return writeOutput(out, d.Body)
		},
	}
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the report, defaults to service.sign")
	cmd.Flags().StringVar(&format, "format", model.FormatJSON, "output format: json or cyclonedx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file instead of stdout")
	return cmd
}

func writeOutput(path string, b []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func verifyCmd() *cobra.Command {
	var publicKey string
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "verify the signature of a report",
		Long: `verify checks a signed report against the public key given by --public-key,
the local public key, or the key embedded in the report, in this order.
Exit codes: 0 valid, 1 malformed, 2 tampered, 3 not signed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, "verify")
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pub, err := trustedKey(ctx, publicKey)
			if err != nil {
				return err
			}
			code := verify(cmd.OutOrStdout(), b, pub)
			if code != exitValid {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM or base64 encoded public key file")
	return cmd
}

// trustedKey returns the key reports are checked with. nil means the key
// declared by the report itself, which proves integrity only.
func trustedKey(ctx context.Context, path string) (ed25519.PublicKey, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return keystore.ParsePublicKey(b)
	}
	store, err := service.KeyStore(config.Keys)
	if err == nil {
		pub, err := store.LoadPublic()
		if err == nil {
			return pub, nil
		}
		if !errors.Is(err, keystore.ErrNoKeys) {
			return nil, err
		}
	}
	slog.WarnContext(ctx, "no trusted public key: using the key embedded in the report")
	return nil, nil
}

// verify prints the outcome and returns the exit code.
func verify(w io.Writer, b []byte, pub ed25519.PublicKey) int {
	ok, err := signing.VerifyArtifact(b, pub)
	switch {
	case errors.Is(err, signing.ErrNotSigned):
		_, _ = fmt.Fprintln(w, "not signed")
		return exitNotSigned
	case err != nil:
		_, _ = fmt.Fprintf(w, "malformed: %v\n", err)
		return exitMalformed
	case !ok:
		_, _ = fmt.Fprintln(w, "tampered")
		return exitTampered
	}
	a, err := signing.ParseArtifact(b)
	if err == nil && a.Signature != nil {
		_, _ = fmt.Fprintf(w, "valid: %s signed at %s\n", a.Signature.Hash, a.Signature.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		return exitValid
	}
	_, _ = fmt.Fprintln(w, "valid")
	return exitValid
}

func commandContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("vigil",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}
