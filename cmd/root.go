// Package cmd defines the tabcrawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/tabcrawler/internal/app"
	"github.com/JakeFAU/tabcrawler/internal/config"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it.
var newApp = app.New

type rootOptions struct {
	v       *viper.Viper
	cfgFile string
}

// loadApp reads the configuration and stores the App in the command context.
func (o *rootOptions) loadApp(cmd *cobra.Command, _ []string) error {
	// Naming lists on the command line implies using them.
	if cmd.Flags().Changed("filters") {
		o.v.Set("filters.enabled", true)
	}
	cfg, err := config.Load(o.v, o.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appInstance, err := newApp(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "tabcrawler",
		Short: "Load web pages in a pool of browser tabs and collect what they show.",
		Long: `tabcrawler opens every URL of a list in a bounded pool of Chrome tabs,
waits for each page to finish loading, and reports the response headers, a
screenshot and the rendered source to a collector that writes them to disk,
Cloud Storage or Postgres.`,
		SilenceUsage:      true,
		PersistentPreRunE: opts.loadApp,
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, err := resolveApp(cmd.Context()); err == nil {
				appInstance.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.IntP("timeout", "t", 300, "page load timeout in seconds")
	flags.IntP("maxtabs", "x", 15, "maximal number of tabs to open in parallel")
	flags.StringP("binary", "b", "", "path to the Chrome binary")
	flags.StringSliceP("filters", "f", nil, "filter lists to apply; \"path=url\" reads the list from path")
	flags.Bool("block-ads", false, "block requests matched by the filter lists")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	bind(opts.v, flags.Lookup("timeout"), "crawler.timeout_seconds")
	bind(opts.v, flags.Lookup("maxtabs"), "crawler.max_tabs")
	bind(opts.v, flags.Lookup("binary"), "browser.exec_path")
	bind(opts.v, flags.Lookup("filters"), "filters.lists")
	bind(opts.v, flags.Lookup("block-ads"), "filters.enabled")
	bind(opts.v, flags.Lookup("log-level"), "logging.level")

	cmd.AddCommand(newCrawlCmd(opts), newCollectCmd(opts), newRunCmd(opts))
	return cmd
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
