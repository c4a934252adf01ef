package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vigil-xy/vigil/internal/keystore"
	"github.com/vigil-xy/vigil/internal/service"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "manage the signing key pair",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "create the key pair unless it exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := service.KeyStore(config.Keys)
			if err != nil {
				return err
			}
			kp, err := store.EnsureKeysExist()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "public key:  %s\nfingerprint: %s\n", store.PublicKeyPath(), kp.Fingerprint())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "print the path of the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := service.KeyStore(config.Keys)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), store.PublicKeyPath())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "print the base64 public key and its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := service.KeyStore(config.Keys)
			if err != nil {
				return err
			}
			return showKey(cmd.OutOrStdout(), store)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "replace the key pair, the old files are kept with a timestamp suffix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := service.KeyStore(config.Keys)
			if err != nil {
				return err
			}
			kp, err := store.Rotate(time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "public key:  %s\nfingerprint: %s\n", store.PublicKeyPath(), kp.Fingerprint())
			return nil
		},
	})
	return cmd
}

// showKey prints the stored public key. It only reads, a missing public
// file is left for keys init to restore.
func showKey(w io.Writer, store keystore.Store) error {
	pub, err := store.LoadPublic()
	if errors.Is(err, keystore.ErrNoKeys) {
		return fmt.Errorf("%w in %s: run vigil keys init", err, store.Dir())
	}
	if err != nil {
		return err
	}
	kp := keystore.KeyPair{Public: pub}
	_, err = fmt.Fprintf(w, "%s\nfingerprint: %s\n", kp.PublicBase64(), kp.Fingerprint())
	return err
}
