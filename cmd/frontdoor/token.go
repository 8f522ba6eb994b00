package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/frontdoor/access"
	"github.com/tomyedwab/frontdoor/config"
)

func newTokenCmd(opts *options) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.NewViper(), opts.configFile)
			if err != nil {
				return err
			}
			issuer, err := adminIssuer(cfg)
			if err != nil {
				return err
			}
			if issuer == nil {
				return errors.New("admin API is disabled: set admin.secret or admin.secret_file")
			}

			token, err := issuer.Issue(subject)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject recorded in the access log")
	return cmd
}

// adminIssuer returns nil when the admin API is disabled.
func adminIssuer(cfg *config.Config) (*access.Issuer, error) {
	if !cfg.AdminEnabled() {
		return nil, nil
	}
	secret := []byte(cfg.Admin.Secret)
	if len(secret) == 0 {
		var err error
		secret, err = access.LoadSecretKey(cfg.Admin.SecretFile)
		if err != nil {
			return nil, err
		}
	}
	return access.NewIssuer(secret, cfg.Admin.TokenTTL)
}
