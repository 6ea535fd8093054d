// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"time"
)

// ErrLoadFailed marks a navigation that the browser rejected outright.
var ErrLoadFailed = errors.New("load failed")

// TimeoutError is the error text recorded for a job whose page never finished loading.
const TimeoutError = "timeout"

// JobRecord is the per-URL result reported to the collector. Exactly one record is
// produced for every input URL, including failed ones.
type JobRecord struct {
	URL        string         `json:"url"`
	StartTime  int64          `json:"startTime"`
	EndTime    int64          `json:"endTime"`
	FinalURL   string         `json:"finalUrl,omitempty"`
	Headers    []ResponseMeta `json:"headers,omitempty"`
	Screenshot string         `json:"screenshot,omitempty"`
	Source     string         `json:"source,omitempty"`
	TimedOut   bool           `json:"timedOut,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Failed reports whether the record carries an error.
func (r JobRecord) Failed() bool {
	return r.Error != ""
}

// Duration returns the wall time between start and end.
func (r JobRecord) Duration() time.Duration {
	if r.EndTime < r.StartTime {
		return 0
	}
	return time.Duration(r.EndTime-r.StartTime) * time.Millisecond
}

// ResponseMeta describes one network response observed while a page loaded.
type ResponseMeta struct {
	URL      string              `json:"url"`
	Type     string              `json:"type,omitempty"`
	Status   int                 `json:"status"`
	MimeType string              `json:"mimeType,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
}

// LoadEvent is delivered by the browser when a tab finishes loading.
type LoadEvent struct {
	Key      string
	URL      string
	Status   int
	Received time.Time
}

// Artifacts is what a Capturer gathers from a loaded tab.
type Artifacts struct {
	FinalURL   string
	Headers    []ResponseMeta
	Screenshot string
	Source     string
}

// Parameters is the crawl description served by the collector.
type Parameters struct {
	URLs    []string `json:"urls"`
	Timeout int64    `json:"timeout"`
	MaxTabs int      `json:"maxtabs"`
}

// TimeoutDuration converts the millisecond timeout into a time.Duration.
func (p Parameters) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

// Summary is handed to the batch completion callback.
type Summary struct {
	Records   []JobRecord
	Succeeded int
	Failed    int
	TimedOut  int
}

// Add folds a finished record into the summary.
func (s *Summary) Add(rec JobRecord) {
	s.Records = append(s.Records, rec)
	switch {
	case rec.TimedOut:
		s.TimedOut++
		s.Failed++
	case rec.Failed():
		s.Failed++
	default:
		s.Succeeded++
	}
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
