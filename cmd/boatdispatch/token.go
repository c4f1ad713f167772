package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/boat-dispatch/internal/auth"
	"github.com/example/boat-dispatch/internal/config"
	"github.com/example/boat-dispatch/internal/models"
)

// tokenCmd mints a bearer token for local testing against an hmac-mode
// deployment.
func tokenCmd(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject-id>",
		Short: "Issue a signed bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(*configPath)
			if err != nil {
				return err
			}
			actor := models.Actor{ID: args[0], Role: models.Role(role)}
			if cfg.AuthMode == "dev" {
				fmt.Fprintln(cmd.OutOrStdout(), string(actor.Role)+":"+actor.ID)
				return nil
			}
			if cfg.AuthHMACSecret == "" {
				return errors.New("AUTH_HMAC_SECRET is not set")
			}
			token, err := auth.Sign([]byte(cfg.AuthHMACSecret), actor, ttl)
			if err != nil {
				return err
			}
			if _, err := auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret).Verify(token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleCaptain), "rider, captain or operations")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
