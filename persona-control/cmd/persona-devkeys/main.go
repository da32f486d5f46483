package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/joi/persona-control/internal/auth"
)

type options struct {
	keyOut   string
	tokenOut string
	subject  string
	roles    []string
	ttl      time.Duration
}

// persona-devkeys writes a throwaway RSA public key for
// PERSONA_JWT_PUBLIC_KEY_FILE and a token signed by its private half.
func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "persona-devkeys",
		Short:        "Generate a local signing key and operator token for persona control",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.keyOut, "key-out", "devops/certs/persona_jwt.pem", "public key PEM output path")
	cmd.Flags().StringVar(&opts.tokenOut, "token-out", "devops/certs/persona_jwt.txt", "token output path")
	cmd.Flags().StringVar(&opts.subject, "sub", "dev-operator", "token subject")
	cmd.Flags().StringSliceVar(&opts.roles, "role", []string{auth.RoleOperator}, "roles claim (repeatable)")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(pubASN1)
	kid := base64.RawURLEncoding.EncodeToString(sum[:8])

	if err := writeFile(opts.keyOut, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1}), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote public key -> %s (kid=%s)\n", opts.keyOut, kid)

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   opts.subject,
		"roles": opts.roles,
		"iat":   now.Unix(),
		"exp":   now.Add(opts.ttl).Unix(),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	if err := writeFile(opts.tokenOut, []byte(signed+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote token -> %s\n", opts.tokenOut)
	return nil
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}
