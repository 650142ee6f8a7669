package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"tasting/cmd/identity"
	"tasting/cmd/internal/auth/token"

	"github.com/spf13/cobra"
)

func newTokenCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Signing keys and access tokens",
	}

	var (
		userID string
		name   string
		role   string
		asJSON bool
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an access token",
		Long:  `Sign a PASETO v4 access token with the configured key. Stations and consoles send it as a bearer token.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			r, err := identity.ParseRole(role)
			if err != nil {
				return err
			}
			m, err := token.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			raw, exp, err := m.Issue(identity.Principal{UserID: userID, Name: name, Role: r}, time.Now().UTC())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(map[string]any{"token": raw, "expires_at": exp, "user_id": identity.NormalizeUserID(userID), "role": r})
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	f := issue.Flags()
	f.StringVar(&userID, "user", "", "User id (subject)")
	f.StringVar(&name, "name", "", "Display name")
	f.StringVar(&role, "role", string(identity.RoleTaster), "Role (admin, organizer, taster, viewer)")
	f.BoolVar(&asJSON, "json", false, "Print token and expiry as JSON")
	_ = issue.MarkFlagRequired("user")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := token.GenerateSecretKeyHex()
			fmt.Fprintf(cmd.OutOrStdout(), "TASTING_AUTH_PASETO_SECRET_KEY_HEX=%s\n", secret)
			return nil
		},
	}

	cmd.AddCommand(issue, keygen)
	return cmd
}
