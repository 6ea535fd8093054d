// Package collector implements the HTTP endpoint crawlers fetch their work from
// and report finished records to. Each saved record is split into a screenshot,
// a source document and a metadata file written through a BlobStore.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabcrawler/internal/clock/system"
	"github.com/JakeFAU/tabcrawler/internal/crawler"
	"github.com/JakeFAU/tabcrawler/internal/hash/sha256"
	"github.com/JakeFAU/tabcrawler/internal/id/uuid"
	"github.com/JakeFAU/tabcrawler/internal/metrics"
)

// RecordSavedEvent is the event name attached to saved-record notifications.
const RecordSavedEvent = "record.saved"

const (
	defaultMaxBodyBytes   = 64 << 20
	defaultRequestTimeout = 60 * time.Second
	sideEffectTimeout     = 10 * time.Second
)

// Config controls what the collector advertises and accepts.
type Config struct {
	// Timeout and MaxTabs are handed to crawlers through /parameters.
	Timeout        time.Duration
	MaxTabs        int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// APIKey, when set, is required on /parameters and /save.
	APIKey string
}

// Deps are the collaborators of a Server. Blobs is required; Records and
// Publisher are optional.
type Deps struct {
	Blobs     crawler.BlobStore
	Records   crawler.RecordStore
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Notice is published for every saved record.
type Notice struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	FinalURL      string    `json:"final_url,omitempty"`
	TimedOut      bool      `json:"timed_out,omitempty"`
	Error         string    `json:"error,omitempty"`
	SourceHash    string    `json:"source_hash,omitempty"`
	RecordURI     string    `json:"record_uri"`
	ScreenshotURI string    `json:"screenshot_uri,omitempty"`
	SourceURI     string    `json:"source_uri,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// Attributes exposes filterable message attributes.
func (n Notice) Attributes() map[string]string {
	status := "ok"
	switch {
	case n.TimedOut:
		status = "timeout"
	case n.Error != "":
		status = "failed"
	}
	return map[string]string{
		"record_id": n.ID,
		"site":      metrics.SanitizeSite(n.URL),
		"status":    status,
	}
}

// Server serves /parameters and /save.
type Server struct {
	router http.Handler
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	remaining []string
	done      chan struct{}
	closed    bool
}

// NewServer constructs a Server that hands out urls until each has been saved.
func NewServer(urls []string, cfg Config, deps Deps) (*Server, error) {
	if deps.Blobs == nil {
		return nil, errors.New("collector requires a blob store")
	}
	if cfg.MaxTabs <= 0 {
		return nil, fmt.Errorf("max tabs must be positive, got %d", cfg.MaxTabs)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		remaining: append([]string(nil), urls...),
		done:      make(chan struct{}),
	}
	s.closeIfDrainedLocked()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New().RequestID))
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get("/parameters", s.parameters)
		r.Post("/save", s.save)
	})
	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Remaining returns the URLs that have not been saved yet.
func (s *Server) Remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remaining...)
}

// Done is closed once every URL has been saved.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parameters(w http.ResponseWriter, _ *http.Request) {
	urls := s.Remaining()
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, crawler.Parameters{
		URLs:    urls,
		Timeout: s.cfg.Timeout.Milliseconds(),
		MaxTabs: s.cfg.MaxTabs,
	})
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		metrics.ObserveRecordSaved("rejected")
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	fields, rec, err := decodeRecord(body)
	if err != nil {
		metrics.ObserveRecordSaved("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := s.logger.With(
		zap.String("request_id", RequestID(r.Context())),
		zap.String("url", rec.URL),
	)

	stored, err := s.writeArtifacts(r.Context(), fields, rec)
	if err != nil {
		metrics.ObserveRecordSaved("error")
		logger.Error("artifact write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store record")
		return
	}
	if !s.markSaved(rec.URL) {
		logger.Warn("saved record for a URL that was not outstanding")
	}
	metrics.ObserveRecordSaved("saved")
	logger.Info("record saved",
		zap.String("record_uri", stored.RecordURI),
		zap.Bool("timed_out", rec.TimedOut),
		zap.String("error", rec.Error),
	)

	// Metadata rows and notifications are best effort.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), sideEffectTimeout)
	defer cancel()
	s.storeRow(sideCtx, stored, logger)
	s.notify(sideCtx, stored, logger)

	w.WriteHeader(http.StatusNoContent)
}

func decodeRecord(body []byte) (map[string]any, crawler.JobRecord, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, crawler.JobRecord{}, errors.New("invalid JSON")
	}
	var rec crawler.JobRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, crawler.JobRecord{}, errors.New("invalid record")
	}
	if rec.URL == "" {
		return nil, crawler.JobRecord{}, errors.New("record has no url")
	}
	return fields, rec, nil
}

func (s *Server) writeArtifacts(ctx context.Context, fields map[string]any, rec crawler.JobRecord) (crawler.StoredRecord, error) {
	base, err := Basename(rec.URL, rec.StartTime)
	if err != nil {
		return crawler.StoredRecord{}, fmt.Errorf("name artifacts: %w", err)
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.StoredRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	stored := crawler.StoredRecord{
		ID:         id,
		URL:        rec.URL,
		FinalURL:   rec.FinalURL,
		StartedAt:  time.UnixMilli(rec.StartTime).UTC(),
		FinishedAt: time.UnixMilli(rec.EndTime).UTC(),
		Error:      rec.Error,
		TimedOut:   rec.TimedOut,
		Headers:    rec.Headers,
		SourceHash: s.deps.Hasher.HashSource(rec.Source),
	}

	if shot, ok := fields["screenshot"].(string); ok && shot != "" {
		data, contentType, err := decodeDataURL(shot)
		if err != nil {
			return crawler.StoredRecord{}, fmt.Errorf("screenshot: %w", err)
		}
		stored.ScreenshotURI, err = s.deps.Blobs.PutObject(ctx, base+".jpg", contentType, bytes.NewReader(data))
		if err != nil {
			return crawler.StoredRecord{}, fmt.Errorf("write screenshot: %w", err)
		}
	}
	if source, ok := fields["source"].(string); ok {
		stored.SourceURI, err = s.deps.Blobs.PutObject(ctx, base+".xml", "text/html; charset=utf-8", bytes.NewReader([]byte(source)))
		if err != nil {
			return crawler.StoredRecord{}, fmt.Errorf("write source: %w", err)
		}
	}
	meta, err := metadataJSON(fields)
	if err != nil {
		return crawler.StoredRecord{}, err
	}
	stored.RecordURI, err = s.deps.Blobs.PutObject(ctx, base+".json", "application/json", bytes.NewReader(meta))
	if err != nil {
		return crawler.StoredRecord{}, fmt.Errorf("write metadata: %w", err)
	}
	return stored, nil
}

// markSaved removes the first occurrence of url and reports whether it was
// outstanding.
func (s *Server) markSaved(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.remaining {
		if u == url {
			s.remaining = append(s.remaining[:i], s.remaining[i+1:]...)
			s.closeIfDrainedLocked()
			return true
		}
	}
	return false
}

func (s *Server) closeIfDrainedLocked() {
	if len(s.remaining) == 0 && !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *Server) storeRow(ctx context.Context, stored crawler.StoredRecord, logger *zap.Logger) {
	if s.deps.Records == nil {
		return
	}
	if err := s.deps.Records.StoreRecord(ctx, stored); err != nil {
		metrics.ObserveRecordSaved("row_error")
		logger.Warn("metadata row write failed", zap.Error(err))
	}
}

func (s *Server) notify(ctx context.Context, stored crawler.StoredRecord, logger *zap.Logger) {
	if s.deps.Publisher == nil {
		return
	}
	notice := Notice{
		ID:            stored.ID,
		URL:           stored.URL,
		FinalURL:      stored.FinalURL,
		TimedOut:      stored.TimedOut,
		Error:         stored.Error,
		SourceHash:    stored.SourceHash,
		RecordURI:     stored.RecordURI,
		ScreenshotURI: stored.ScreenshotURI,
		SourceURI:     stored.SourceURI,
		SavedAt:       s.deps.Clock.Now(),
	}
	msgID, err := s.deps.Publisher.Publish(ctx, RecordSavedEvent, notice)
	if err != nil {
		metrics.ObserveRecordSaved("publish_error")
		logger.Warn("record notification failed", zap.Error(err))
		return
	}
	logger.Debug("record notification published", zap.String("message_id", msgID))
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
