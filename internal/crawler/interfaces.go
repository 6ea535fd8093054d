package crawler

import (
	"context"
	"io"
	"time"
)

// Resource is an opaque handle to one reusable execution slot (a browser tab).
type Resource interface {
	ID() string
}

// ResourceProvider creates and destroys tabs in the host browser.
type ResourceProvider interface {
	CreateResource(ctx context.Context) (Resource, error)
	DestroyResource(ctx context.Context, res Resource) error
}

// Loader starts a navigation. The browser reports completion for the given key
// through its EventSubscriber.
type Loader interface {
	TriggerLoad(ctx context.Context, res Resource, key string, url string) error
}

// Capturer gathers headers, screenshot and source from a tab.
type Capturer interface {
	Capture(ctx context.Context, res Resource) (Artifacts, error)
}

// EventSubscriber receives "load finished" notifications from the browser.
type EventSubscriber interface {
	Signal(key string, event LoadEvent) bool
}

// Browser is the full capability surface the crawl engine needs from a host.
type Browser interface {
	ResourceProvider
	Loader
	Capturer
	Subscribe(sub EventSubscriber)
}

// ResultSink receives one finished JobRecord per URL.
type ResultSink interface {
	Report(ctx context.Context, record JobRecord) error
}

// Gate blocks a batch until an external precondition (e.g. filter lists) holds.
type Gate interface {
	Ready(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// RecordStore persists collector metadata rows.
type RecordStore interface {
	StoreRecord(ctx context.Context, row StoredRecord) error
	Close()
}

// IDGenerator produces unique record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints a captured page source.
type Hasher interface {
	HashSource(source string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// StoredRecord is the metadata row written for every saved JobRecord.
type StoredRecord struct {
	ID            string
	URL           string
	FinalURL      string
	StartedAt     time.Time
	FinishedAt    time.Time
	Error         string
	TimedOut      bool
	Headers       []ResponseMeta
	SourceHash    string
	RecordURI     string
	ScreenshotURI string
	SourceURI     string
}
