// Command edge runs the multi-tenant HTTP(S) edge server.
//
// Usage:
//
//	edge                      # ./config.toml
//	edge -c /etc/edge/edge.yaml
//	edge --version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabian4/edge-homebrew-go/internal/app"
	"github.com/fabian4/edge-homebrew-go/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "edge",
	Short: "Multi-tenant HTTP(S) edge server",
	Long: `edge serves virtual hosts from a TOML or YAML configuration file:
static files, load-balanced reverse proxy, forward proxy, redirects and
scripted routes. The file is watched and reloaded without dropping
connections on unchanged listeners.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "./config.toml", "config file path (.toml, .yaml or .yml)")
	rootCmd.Flags().BoolP("version", "V", false, "print version and exit")
	rootCmd.SetVersionTemplate(version.Name + " {{.Version}}\n")
}

func run(cmd *cobra.Command, _ []string) error {
	a, err := app.New(app.Options{ConfigPath: cfgFile})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edge:", err)
		os.Exit(1)
	}
}
