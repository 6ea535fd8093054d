// Package main hosts the tabcrawler entrypoint.
//
// Architecture overview:
//   - Collector: internal/collector.Server serves the outstanding URL list on GET /parameters and accepts one
//     record per page on POST /save. Artifacts (.jpg screenshot, .xml source, .json metadata) go to the configured
//     BlobStore (memory/local/GCS); a row is optionally written to Postgres and a notice published to Pub/Sub.
//   - Rounds: internal/app.Rounds fetches the outstanding list, launches a fresh Chrome and hands the URLs to the
//     dispatcher, repeating until the list is empty or crawler.max_rounds is reached.
//   - Batch: internal/dispatcher fans the URLs out to workers that lease tabs from internal/tabpool, trigger the
//     load, wait on internal/completion for the load event or the timeout, capture, and report the record.
//   - Filters: internal/filters downloads ad-block lists with colly once per process and blocks their domains in
//     every tab created afterwards.
//
// Quick checklist:
//   - tabcrawler run urls.txt out/ starts a local collector writing into out/ and crawls urls.txt against it.
//   - tabcrawler collect --list urls.txt plus tabcrawler crawl --collector http://host:port split the two roles.
//   - Every key can be set in a config file (--config) or as TABCRAWLER_<SECTION>_<KEY>.
package main
