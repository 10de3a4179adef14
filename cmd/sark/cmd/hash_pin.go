package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashPinCmd = &cobra.Command{
	Use:   "hash-pin [secret]",
	Short: "Generate an argon2id hash for a password, API key, or PIN",
	Long: `Generate an argon2id hash of a secret for use in config.

The output can be used directly in the auth.users.password_hash and
auth.api_keys.key_hash fields, or as a break-glass PIN hash.

Example:
  sark hash-pin "my-account-password"
  # Output: $argon2id$v=19$m=65536,t=1,p=4$...

Security note: The secret will appear in shell history.
Consider clearing history after use or using an environment variable:
  sark hash-pin "$MY_SECRET"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash secret: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPinCmd)
}
