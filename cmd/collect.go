package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/app"
	"github.com/JakeFAU/tabcrawler/internal/collector"
)

func newCollectCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Serve a URL list to crawlers and store what they report",
		Args:  cobra.NoArgs,
		RunE:  runCollectCommand,
	}
	cmd.Flags().String("list", "", "file with one URL per line")
	cmd.Flags().String("outdir", "", "directory to write data into (local storage backend)")
	cmd.Flags().String("host", "127.0.0.1", "interface to listen on")
	cmd.Flags().Int("port", 0, "port to listen on; 0 picks a random port between 2000 and 60000")
	cmd.Flags().Bool("exit-when-done", false, "stop once every URL has been saved")
	bind(opts.v, cmd.Flags().Lookup("list"), "crawler.url_list")
	bind(opts.v, cmd.Flags().Lookup("outdir"), "storage.local.base_dir")
	bind(opts.v, cmd.Flags().Lookup("host"), "collector.host")
	bind(opts.v, cmd.Flags().Lookup("port"), "collector.port")
	bind(opts.v, cmd.Flags().Lookup("exit-when-done"), "collector.exit_when_done")
	return cmd
}

func runCollectCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	if cfg.Crawler.URLList == "" {
		return errors.New("--list is required")
	}
	urls, err := app.ReadURLList(cfg.Crawler.URLList)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	server, err := appInstance.BuildCollector(ctx, urls)
	if err != nil {
		return err
	}
	ln, err := collector.Listen(ctx, cfg.Collector.Host, cfg.Collector.Port)
	if err != nil {
		return err
	}
	endpoint := collector.Endpoint(ln)
	appInstance.Logger().Info("collector ready", zap.String("endpoint", endpoint), zap.Int("urls", len(urls)))
	fmt.Fprintln(cmd.OutOrStdout(), endpoint)

	if cfg.Collector.ExitWhenDone {
		go func() {
			select {
			case <-server.Done():
				appInstance.Logger().Info("all urls saved")
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return server.Serve(ctx, ln)
}
