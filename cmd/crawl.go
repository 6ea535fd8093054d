package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/app"
	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/sink"
	collectorclient "github.com/JakeFAU/tabcrawler/internal/sink/collector"
)

func newCrawlCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl URLs and report each record to a collector",
		Long: `Crawls the URLs of --list once, or, without --list, keeps crawling whatever
the collector at --collector still lists until it is empty or the round limit
is reached. Every record is POSTed to the collector's /save endpoint.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
	cmd.Flags().String("collector", "", "collector base URL, e.g. http://127.0.0.1:4242")
	cmd.Flags().String("list", "", "file with one URL per line")
	cmd.Flags().Int("rounds", 3, "maximal number of browser launches")
	bind(opts.v, cmd.Flags().Lookup("collector"), "collector.endpoint")
	bind(opts.v, cmd.Flags().Lookup("list"), "crawler.url_list")
	bind(opts.v, cmd.Flags().Lookup("rounds"), "crawler.max_rounds")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	client, err := collectorclient.New(cfg.Collector.Endpoint, collectorclient.Options{
		Timeout: cfg.ReportTimeout(),
		APIKey:  cfg.Collector.APIKey,
	})
	if err != nil {
		return err
	}
	results := sink.Multi{client, sink.NewLogSink(logger.Named("records"))}
	rounds := appInstance.Rounds(client, results)

	if cfg.Crawler.URLList == "" {
		report, err := rounds.Run(cmd.Context())
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run crawl rounds: %w", err)
		}
		logger.Info("crawl finished", zap.Int("rounds", len(report.Rounds)), zap.Int("remaining", len(report.Remaining)))
		return nil
	}

	urls, err := app.ReadURLList(cfg.Crawler.URLList)
	if err != nil {
		return err
	}
	summary, err := rounds.RunOnce(cmd.Context(), crawler.Parameters{
		URLs:    urls,
		Timeout: cfg.Timeout().Milliseconds(),
		MaxTabs: cfg.Crawler.MaxTabs,
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl list: %w", err)
	}
	logger.Info("crawl finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut),
	)
	return nil
}
