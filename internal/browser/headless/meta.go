package headless

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

// responseMeta accumulates every response a tab receives while a job holds it.
// Entries are tagged with their loader so the previous document's late
// responses can be told apart from the current navigation's.
type responseMeta struct {
	mu      sync.RWMutex
	entries []metaEntry
}

type metaEntry struct {
	meta   crawler.ResponseMeta
	loader cdp.LoaderID
	doc    bool
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event == nil || event.Response == nil {
		return
	}
	resp := event.Response
	entry := metaEntry{
		meta: crawler.ResponseMeta{
			URL:      resp.URL,
			Type:     string(event.Type),
			Status:   int(resp.Status),
			MimeType: resp.MimeType,
			Headers:  headerValues(resp.Headers),
		},
		loader: event.LoaderID,
		doc:    event.Type == network.ResourceTypeDocument,
	}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
}

// snapshot copies the responses belonging to loader. An empty loader selects
// every response.
func (m *responseMeta) snapshot(loader cdp.LoaderID) []crawler.ResponseMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.ResponseMeta, 0, len(m.entries))
	for _, e := range m.entries {
		if loader != "" && e.loader != loader {
			continue
		}
		r := e.meta
		r.Headers = cloneHeader(r.Headers)
		out = append(out, r)
	}
	return out
}

// document returns the status and URL of loader's main document response,
// falling back to 200 and requestURL when none was observed.
func (m *responseMeta) document(loader cdp.LoaderID, requestURL string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if !e.doc || (loader != "" && e.loader != loader) {
			continue
		}
		status, url := e.meta.Status, e.meta.URL
		if status == 0 {
			status = http.StatusOK
		}
		if url == "" {
			url = requestURL
		}
		return status, url
	}
	return http.StatusOK, requestURL
}

// headerValues flattens CDP headers, whose values may be strings or lists.
func headerValues(src network.Headers) map[string][]string {
	if len(src) == 0 {
		return nil
	}
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func cloneHeader(src map[string][]string) map[string][]string {
	if src == nil {
		return nil
	}
	dst := make(map[string][]string, len(src))
	for k, values := range src {
		dst[k] = append([]string(nil), values...)
	}
	return dst
}
