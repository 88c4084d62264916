package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"ytdash/internal/youtube"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Connect the owner's YouTube account",
		Long: `Run the OAuth consent flow for the owner: open the printed URL, approve
read-only access and paste the authorization code back. The token is saved to
youtube.token_file and refreshed automatically by later syncs.`,
		Example: `  ytdash auth --owner u1`,
		RunE:    authRun,
	}
}

func authRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.OwnerID == "" {
		return fmt.Errorf("owner_id is not configured")
	}
	if !globalCfg.UsesOAuth() {
		return fmt.Errorf("youtube.client_id and youtube.client_secret are required")
	}

	conf := youtube.OAuthConfig(globalCfg.YouTube.ClientID, globalCfg.YouTube.ClientSecret, globalCfg.YouTube.RedirectURL)
	state := uuid.NewString()
	url := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open this URL in a browser and approve access:\n\n  %s\n\nAuthorization code: ", url)

	code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && code == "" {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code given")
	}

	tok, err := conf.Exchange(cmd.Context(), code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	store := youtube.NewFileTokenStore(globalCfg.YouTube.TokenFile)
	if err := store.SaveToken(cmd.Context(), globalCfg.OwnerID, tok); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	logger.Info().Str("owner_id", globalCfg.OwnerID).Str("token_file", globalCfg.YouTube.TokenFile).Msg("youtube account connected")
	fmt.Fprintln(out, "YouTube account connected.")
	return nil
}
