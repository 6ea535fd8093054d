package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/app"
	"github.com/JakeFAU/tabcrawler/internal/collector"
	"github.com/JakeFAU/tabcrawler/internal/config"
	"github.com/JakeFAU/tabcrawler/internal/sink"
	collectorclient "github.com/JakeFAU/tabcrawler/internal/sink/collector"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run LIST OUTDIR",
		Short: "Crawl a URL list and write the results into a directory",
		Long: `Starts a collector on a random local port that writes into OUTDIR, then
crawls the URLs of LIST against it, relaunching the browser for whatever is
left until everything is saved or the round limit is reached.`,
		Args: cobra.ExactArgs(2),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.v.Set("crawler.url_list", args[0])
			opts.v.Set("storage.backend", config.BackendLocal)
			opts.v.Set("storage.local.base_dir", args[1])
			return opts.loadApp(cmd, args)
		},
		RunE: runRunCommand,
	}
	cmd.Flags().Int("rounds", 3, "maximal number of browser launches")
	bind(opts.v, cmd.Flags().Lookup("rounds"), "crawler.max_rounds")
	return cmd
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	urls, err := app.ReadURLList(cfg.Crawler.URLList)
	if err != nil {
		return err
	}
	server, err := appInstance.BuildCollector(cmd.Context(), urls)
	if err != nil {
		return err
	}
	ln, err := collector.Listen(cmd.Context(), "127.0.0.1", cfg.Collector.Port)
	if err != nil {
		return err
	}
	client, err := collectorclient.New(collector.Endpoint(ln), collectorclient.Options{
		Timeout: cfg.ReportTimeout(),
		APIKey:  cfg.Collector.APIKey,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	serveCtx, stopServing := context.WithCancel(cmd.Context())
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return server.Serve(gctx, ln) })
	g.Go(func() error {
		defer stopServing()
		rounds := appInstance.Rounds(client, sink.Multi{client, sink.NewLogSink(logger.Named("records"))})
		report, err := rounds.Run(gctx)
		if err != nil {
			return fmt.Errorf("run crawl rounds: %w", err)
		}
		logger.Info("run finished",
			zap.Int("rounds", len(report.Rounds)),
			zap.Int("saved", len(urls)-len(report.Remaining)),
			zap.Strings("remaining", report.Remaining),
		)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
