package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nbot/orchestrator/internal/pluginpkg"
)

func pluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect and verify plugin packages",
	}
	cmd.AddCommand(pluginVerifyCmd())
	return cmd
}

// pluginVerifyCmd checks a native tar.gz plugin package's signature
// against the configured official public key. PluginHost.Load does not
// run this check.
func pluginVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package.tar.gz>",
		Short: "Verify a plugin package's signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()
			if snap.PluginHost.AllowUnsigned {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: NBOT_ALLOW_UNSIGNED_PLUGINS is set; signature check is advisory only")
			}
			if snap.PluginHost.OfficialPubKeyB64 == "" {
				return fmt.Errorf("no official public key configured (NBOT_OFFICIAL_PUBLIC_KEY_B64)")
			}
			pubKeyBytes, err := base64.StdEncoding.DecodeString(snap.PluginHost.OfficialPubKeyB64)
			if err != nil {
				return fmt.Errorf("decode official public key: %w", err)
			}
			if len(pubKeyBytes) != ed25519.PublicKeySize {
				return fmt.Errorf("official public key has wrong length: got %d, want %d", len(pubKeyBytes), ed25519.PublicKeySize)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pkg, err := pluginpkg.Parse(f)
			if err != nil {
				return err
			}
			if err := pkg.VerifySignature(ed25519.PublicKey(pubKeyBytes)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s@%s signature verified (%d files)\n", pkg.Manifest.ID, pkg.Manifest.Version, len(pkg.Files))
			return nil
		},
	}
}
