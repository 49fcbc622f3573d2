package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devicegate/devicegate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the administrator credential",
		Long:  "Produce the values that configure administrator access to the admin API and MCP server.",
	}

	cmd.AddCommand(newAdminHashSecretCmd())
	cmd.AddCommand(newAdminJWTSecretCmd())

	return cmd
}

// ---------- admin hash-secret ----------

func newAdminHashSecretCmd() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash an administrator secret for admin.secret_hash",
		Long: `Read an administrator secret and print its bcrypt hash. Put the hash in
admin.secret_hash (or DEVICEGATE_ADMIN_SECRET_HASH); the secret itself is
never stored.`,
		Example: `  devicegate admin hash-secret              # prompts for the secret
  devicegate admin hash-secret --secret "$S"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminHashSecret(secret)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Administrator secret (prompted if omitted)")

	return cmd
}

func runAdminHashSecret(secret string) error {
	if secret == "" {
		fmt.Fprint(os.Stderr, "Secret: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		secret = string(b)

		fmt.Fprint(os.Stderr, "Confirm secret: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if secret != string(confirmBytes) {
			return fmt.Errorf("secrets do not match")
		}
	}

	if len(secret) < 8 {
		return fmt.Errorf("secret must be at least 8 characters")
	}

	hash, err := service.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	fmt.Println(hash)
	return nil
}

// ---------- admin jwt-secret ----------

func newAdminJWTSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jwt-secret",
		Short: "Generate a random value for auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := service.RandomSecret(32)
			if err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			fmt.Println(s)
			return nil
		},
	}
}
