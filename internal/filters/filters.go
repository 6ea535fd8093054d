// Package filters loads ad-block filter lists and turns their domain rules into
// URL patterns the browser refuses to load. The Gate holds a batch back until
// the lists are available.
package filters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultLists are loaded when no lists are configured.
var DefaultLists = []string{
	"https://easylist-downloads.adblockplus.org/easylist.txt",
	"https://easylist-downloads.adblockplus.org/exceptionrules.txt",
}

// Source is one filter list. When Path is set the list is read from disk and URL
// only names it.
type Source struct {
	URL  string
	Path string
}

// ParseSource accepts "url" or "path=url".
func ParseSource(raw string) Source {
	raw = strings.TrimSpace(raw)
	if path, url, ok := strings.Cut(raw, "="); ok && !strings.Contains(path, "://") {
		return Source{URL: url, Path: path}
	}
	return Source{URL: raw}
}

// Downloader fetches a remote list.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Patterns converts list content into blocked URL patterns. The first line is
// the list header. Only domain anchors of the form ||host^ are translated;
// comments, exceptions, element hiding and other rule kinds are skipped.
func Patterns(r io.Reader) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		host, ok := domainAnchor(strings.TrimSpace(sc.Text()))
		if !ok {
			continue
		}
		for _, p := range []string{"*://" + host + "/*", "*://*." + host + "/*"} {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan filter list: %w", err)
	}
	return out, nil
}

func domainAnchor(line string) (string, bool) {
	switch {
	case line == "",
		strings.HasPrefix(line, "!"),
		strings.HasPrefix(line, "["),
		strings.HasPrefix(line, "@@"),
		strings.Contains(line, "##"),
		strings.Contains(line, "#@#"),
		strings.Contains(line, "#?#"):
		return "", false
	}
	rest, ok := strings.CutPrefix(line, "||")
	if !ok {
		return "", false
	}
	// Rules with options ($third-party etc.) only apply conditionally.
	if strings.Contains(rest, "$") {
		return "", false
	}
	host, tail, ok := strings.Cut(rest, "^")
	if !ok || (tail != "" && tail != "|") {
		return "", false
	}
	if host == "" || strings.ContainsAny(host, "/*:") {
		return "", false
	}
	return strings.ToLower(host), true
}

// Gate loads the configured lists once and hands the resulting patterns to
// apply. Only a successful load is cached; after a failure the next Ready call
// tries again.
type Gate struct {
	sources    []Source
	downloader Downloader
	apply      func([]string)
	logger     *zap.Logger

	mu       sync.Mutex
	loaded   bool
	patterns []string
}

// NewGate builds a Gate over raw source specs. apply may be nil.
func NewGate(specs []string, downloader Downloader, apply func([]string), logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	sources := make([]Source, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		sources = append(sources, ParseSource(spec))
	}
	return &Gate{sources: sources, downloader: downloader, apply: apply, logger: logger}
}

// Ready blocks until every list has been loaded.
func (g *Gate) Ready(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return nil
	}
	patterns, err := g.load(ctx)
	if err != nil {
		g.logger.Warn("filter lists not loaded; will retry", zap.Error(err))
		return err
	}
	g.loaded = true
	g.patterns = patterns
	if g.apply != nil {
		g.apply(patterns)
	}
	return nil
}

// BlockedPatterns returns the loaded patterns, or nil before Ready succeeds.
func (g *Gate) BlockedPatterns() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.patterns...)
}

func (g *Gate) load(ctx context.Context) ([]string, error) {
	var all []string
	seen := map[string]struct{}{}
	for _, src := range g.sources {
		data, err := g.read(ctx, src)
		if err != nil {
			return nil, err
		}
		patterns, err := Patterns(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", src.URL, err)
		}
		for _, p := range patterns {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				all = append(all, p)
			}
		}
		g.logger.Info("filter list loaded", zap.String("url", src.URL), zap.Int("patterns", len(patterns)))
	}
	return all, nil
}

func (g *Gate) read(ctx context.Context, src Source) ([]byte, error) {
	if src.Path != "" {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("read filter list %s: %w", src.Path, err)
		}
		return data, nil
	}
	if g.downloader == nil {
		return nil, errors.New("no downloader configured for remote filter lists")
	}
	return g.downloader.Download(ctx, src.URL)
}
