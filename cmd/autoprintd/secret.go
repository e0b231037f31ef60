package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orrn/autoprint/internal/api/middleware"
)

// hashSecretCmd prints the bcrypt hash to put under auth.clients.
var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Hash an API client secret for the config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read secret: %w", err)
			}
			secret = strings.TrimRight(line, "\r\n")
		}
		if secret == "" {
			return errors.New("secret must not be empty")
		}

		hash, err := middleware.HashSecret(secret)
		if err != nil {
			return fmt.Errorf("failed to hash secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}
