package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mnehpets/authsession/credential"
	"github.com/mnehpets/authsession/nonce"
	"github.com/mnehpets/authsession/provider"
	"github.com/mnehpets/authsession/storage/sealedfile"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func statusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the stored session is authenticated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, g.location)
			if err != nil {
				return err
			}
			defer s.close()
			printStatus(ctx, cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func printStatus(ctx context.Context, w io.Writer, s *runningSession) {
	authenticated := s.IsAuthenticated(ctx)
	fmt.Fprintf(w, "authenticated: %t\n", authenticated)
	fmt.Fprintf(w, "admin:         %t\n", s.IsAdmin(ctx))
	if !authenticated {
		return
	}
	if cred, ok := s.Session().Credential(ctx); ok {
		exp := time.UnixMilli(credential.ExpirationMillis(cred))
		fmt.Fprintf(w, "expires:       %s\n", exp.Format(time.RFC3339))
	}
	if u, ok := s.Session().UserInfo(ctx); ok {
		fmt.Fprintf(w, "user:          %s\n", u.ID)
		if u.Email != "" {
			fmt.Fprintf(w, "email:         %s\n", u.Email)
		}
		if len(u.Roles) > 0 {
			fmt.Fprintf(w, "roles:         %v\n", u.Roles)
		}
	}
}

func callbackCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Resume a provider callback URL and store the session",
		Long: `callback resumes the login the identity provider redirected back with.
Pass the full URL from the browser address bar, including the fragment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.Attempt(); err != nil {
				return err
			}
			if err := s.settle(ctx); err != nil {
				return err
			}
			if err := s.Machine().Err(); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			printStatus(ctx, cmd.OutOrStdout(), s)
			fmt.Fprintf(cmd.OutOrStdout(), "location:      %s\n", s.browser.Href())
			return nil
		},
	}
}

func logoutCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, g.location)
			if err != nil {
				return err
			}
			defer s.close()

			s.Logout()
			if err := s.settle(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged out; location: %s\n", s.browser.Href())
			return nil
		},
	}
}

func loginURLCmd(g *globalOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "login-url",
		Short: "Print the provider URL that starts a login",
		Long: `login-url prints the authorize URL of the identity provider. With
--redirect, the target is remembered under a fresh correlation id and the
next successful callback navigates there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, g.location)
			if err != nil {
				return err
			}
			defer s.close()

			lock, ok := s.Widget().(*provider.Lock)
			if !ok {
				return errors.New("login widget does not build login URLs")
			}
			var state string
			if target != "" {
				if state, err = nonce.NewCorrelationID(); err != nil {
					return err
				}
				if err := s.Nonces().Save(ctx, state, nonce.Entry{RedirectURL: target}); err != nil {
					return err
				}
			}
			n, err := nonce.NewCorrelationID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), lock.LoginURL(state, n))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "redirect", "", "page to return to after login")

	return cmd
}

func configCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, g.location)
			if err != nil {
				return err
			}
			defer s.close()

			cfg := s.Config()
			if cfg.AuthToken != "" {
				cfg.AuthToken = "<redacted>"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh key for AUTHSESSION_STORE_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, sealedfile.DefaultKeySize)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(key))
			return nil
		},
	}
}
