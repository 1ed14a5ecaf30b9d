// Command bgctl is the operator CLI for the break-glass broker: it generates
// approver key pairs, signs approval records, and verifies them offline.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"breakglass/internal/approval"
	"breakglass/internal/signature"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bgctl",
		Short:         "Operator tooling for the break-glass credential broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(keygenCmd(), approveCmd(), verifyApprovalCmd())
	return root
}

func passphraseFrom(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("BGCTL_PASSPHRASE"); env != "" {
		return env, nil
	}
	return "", errors.New("a passphrase is required (--passphrase or BGCTL_PASSPHRASE)")
}

func keygenCmd() *cobra.Command {
	var (
		approver   string
		outDir     string
		passphrase string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an approver key pair (sealed private key + public PEM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := passphraseFrom(passphrase)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			priv, pub, err := signature.GenerateKeyPair()
			if err != nil {
				return err
			}
			privPath := filepath.Join(outDir, approver+".key")
			pubPath := filepath.Join(outDir, approver+".pem")
			if err := signature.SavePrivateKey(priv, privPath, pass); err != nil {
				return err
			}
			if err := signature.SavePublicKey(pub, pubPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "approver identifier, used as the key file name")
	cmd.Flags().StringVar(&outDir, "out-dir", "keys", "directory to write the key pair into")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase sealing the private key")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func approveCmd() *cobra.Command {
	var (
		reqID      string
		approver   string
		keyPath    string
		passphrase string
		ttl        time.Duration
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Sign an approval record for a credential request",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := passphraseFrom(passphrase)
			if err != nil {
				return err
			}
			rec, err := approval.Sign(reqID, approver, keyPath, pass, ttl)
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			if outPath != "" {
				return os.WriteFile(outPath, append(raw, '\n'), 0o600)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&reqID, "req-id", "", "credential request identifier")
	cmd.Flags().StringVar(&approver, "approver", "", "approver identifier")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the sealed private key")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase unsealing the private key")
	cmd.Flags().DurationVar(&ttl, "ttl", approval.DefaultTTL, "token lifetime granted by this approval")
	cmd.Flags().StringVar(&outPath, "out", "", "write the record to a file instead of stdout")
	_ = cmd.MarkFlagRequired("req-id")
	_ = cmd.MarkFlagRequired("approver")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func verifyApprovalCmd() *cobra.Command {
	var (
		recordPath string
		pubKeyPath string
	)
	cmd := &cobra.Command{
		Use:   "verify-approval",
		Short: "Verify a signed approval record against an approver public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(recordPath)
			if err != nil {
				return err
			}
			var rec approval.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("parse approval record: %w", err)
			}
			ok, err := approval.Verify(rec, pubKeyPath)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("approval record for %s does NOT verify", rec.ReqID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approval record for %s verifies (approver %s)\n", rec.ReqID, rec.Approver)
			return nil
		},
	}
	cmd.Flags().StringVar(&recordPath, "file", "", "path to the approval record JSON")
	cmd.Flags().StringVar(&pubKeyPath, "pubkey", "", "path to the approver public key PEM")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("pubkey")
	return cmd
}
