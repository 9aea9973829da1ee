package main

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			appConfig, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(appConfig.SigningSecret) == "" {
				return errors.New("auth.signing_secret is required")
			}
			issuer, err := newTokenIssuer(appConfig.SigningSecret, appConfig.TokenTTL)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_in":   expiresIn,
				"expires_at":   time.Now().Add(time.Duration(expiresIn) * time.Second).UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User ID the token is issued for")
	return cmd
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
