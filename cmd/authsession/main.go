// Command authsession drives an authentication session from a terminal.
//
// The session lives in a sealed file (or Redis) instead of a browser, and the
// "current location" is a flag, so a provider callback URL copied from a
// browser can be resumed here and the resulting session inspected.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	g := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "authsession",
		Short: "Inspect and drive a hosted-login session",
		Long: `authsession resumes identity provider callbacks, reports whether the
stored session is authenticated and logs it out.

Settings are read from AUTHSESSION_* environment variables (and .env),
then from --config, then from flags. The session is stored in a file
sealed with AUTHSESSION_STORE_KEY, or in Redis with --redis.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(rootCmd)

	rootCmd.AddCommand(
		statusCmd(g),
		callbackCmd(g),
		logoutCmd(g),
		loginURLCmd(g),
		configCmd(g),
		keygenCmd(),
		serveCmd(g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}
