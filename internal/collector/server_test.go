package collector

import (
	"context"
	"crypto/md5" //nolint:gosec // mirrors artifact naming
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
	memorypublisher "github.com/JakeFAU/tabcrawler/internal/publisher/memory"
	memorystorage "github.com/JakeFAU/tabcrawler/internal/storage/memory"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "rec-1", nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type mockRecords struct{ mock.Mock }

func (m *mockRecords) StoreRecord(ctx context.Context, row crawler.StoredRecord) error {
	return m.Called(ctx, row).Error(0)
}

func (m *mockRecords) Close() { m.Called() }

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

const fullRecord = `{
	"url": "https://example.com/a",
	"startTime": 1700000000123,
	"endTime": 1700000000456,
	"finalUrl": "https://example.com/b",
	"headers": [{"url": "https://example.com/b", "status": 200}],
	"screenshot": "data:image/jpeg;base64,AQID",
	"source": "<html>é</html>"
}`

func expectedBase(t *testing.T, url string) string {
	t.Helper()
	sum := md5.Sum([]byte(url)) //nolint:gosec // see import
	host, err := crawler.Hostname(url)
	require.NoError(t, err)
	return host + "-2023-11-14T221320.123000-" + hex.EncodeToString(sum[:])
}

type harness struct {
	server    *Server
	blobs     *memorystorage.BlobStore
	publisher *memorypublisher.Publisher
	records   *mockRecords
}

func newHarness(t *testing.T, urls []string, cfg Config) *harness {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxTabs == 0 {
		cfg.MaxTabs = 15
	}
	h := &harness{
		blobs:     memorystorage.NewBlobStore(),
		publisher: memorypublisher.New(),
		records:   &mockRecords{},
	}
	srv, err := NewServer(urls, cfg, Deps{
		Blobs:     h.blobs,
		Records:   h.records,
		Publisher: h.publisher,
		IDs:       fixedIDs{},
		Clock:     fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	h.server = srv
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, Config{Timeout: time.Second, MaxTabs: 1}, Deps{})
	require.Error(t, err)
	_, err = NewServer(nil, Config{Timeout: time.Second}, Deps{Blobs: memorystorage.NewBlobStore()})
	require.Error(t, err)
	_, err = NewServer(nil, Config{MaxTabs: 1}, Deps{Blobs: memorystorage.NewBlobStore()})
	require.Error(t, err)
}

func TestParameters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com", "https://example.org/"}, Config{Timeout: 30 * time.Second, MaxTabs: 4})
	rec := h.do(http.MethodGet, "/parameters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var params crawler.Parameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	assert.Equal(t, []string{"example.com", "https://example.org/"}, params.URLs)
	assert.Equal(t, int64(30000), params.Timeout)
	assert.Equal(t, 4, params.MaxTabs)
}

func TestSaveWritesArtifacts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"https://example.com/a", "https://example.org/"}, Config{})
	h.records.On("StoreRecord", mock.Anything, mock.MatchedBy(func(row crawler.StoredRecord) bool {
		return row.ID == "rec-1" &&
			row.URL == "https://example.com/a" &&
			row.SourceHash != "" &&
			row.StartedAt.Equal(time.UnixMilli(1700000000123)) &&
			strings.HasSuffix(row.ScreenshotURI, ".jpg")
	})).Return(nil).Once()

	rec := h.do(http.MethodPost, "/save", fullRecord)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	base := expectedBase(t, "https://example.com/a")
	assert.Equal(t, []string{base + ".jpg", base + ".json", base + ".xml"}, h.blobs.Paths())

	shot, ok := h.blobs.Get(base + ".jpg")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, shot.Data)
	assert.Equal(t, "image/jpeg", shot.ContentType)

	source, ok := h.blobs.Get(base + ".xml")
	require.True(t, ok)
	assert.Equal(t, "<html>é</html>", string(source.Data))

	meta, ok := h.blobs.Get(base + ".json")
	require.True(t, ok)
	assert.Equal(t, `{
  "endTime": 1700000000456,
  "finalUrl": "https://example.com/b",
  "headers": [
    {
      "status": 200,
      "url": "https://example.com/b"
    }
  ],
  "startTime": 1700000000123,
  "url": "https://example.com/a"
}
`, string(meta.Data))

	assert.Equal(t, []string{"https://example.org/"}, h.server.Remaining())
	h.records.AssertExpectations(t)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RecordSavedEvent, msgs[0].Event)
	notice, ok := msgs[0].Payload.(Notice)
	require.True(t, ok)
	assert.Equal(t, "rec-1", notice.ID)
	assert.Equal(t, "memory://"+base+".json", notice.RecordURI)
	assert.Equal(t, map[string]string{"record_id": "rec-1", "site": "example.com", "status": "ok"}, notice.Attributes())
}

func TestSaveFailedRecordWritesOnlyMetadata(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	h.records.On("StoreRecord", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	h.publisher.FailWith(errors.New("pubsub down"))

	rec := h.do(http.MethodPost, "/save", `{"url":"example.com","startTime":1700000000123,"endTime":1700000000999,"timedOut":true,"error":"timeout"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	base := expectedBase(t, "example.com")
	assert.Equal(t, []string{base + ".json"}, h.blobs.Paths())
	assert.True(t, strings.HasPrefix(base, "example.com-"))
	assert.Empty(t, h.server.Remaining())
	select {
	case <-h.server.Done():
	default:
		t.Fatal("done not closed after last save")
	}
	h.records.AssertExpectations(t)
}

func TestSaveRejectsBadBodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	for name, body := range map[string]string{
		"invalid json": "{not json",
		"missing url":  `{"startTime": 1}`,
		"wrong types":  `{"url": 12}`,
	} {
		rec := h.do(http.MethodPost, "/save", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Empty(t, h.blobs.Paths())
	assert.Equal(t, []string{"example.com"}, h.server.Remaining())
}

func TestSaveRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{MaxBodyBytes: 16})
	rec := h.do(http.MethodPost, "/save", fullRecord)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveBlobFailureKeepsURLOutstanding(t *testing.T) {
	t.Parallel()

	srv, err := NewServer([]string{"example.com"}, Config{Timeout: time.Second, MaxTabs: 1}, Deps{Blobs: failingBlobs{}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(`{"url":"example.com","startTime":1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"example.com"}, srv.Remaining())
}

func TestSaveUnknownURLIsStillWritten(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	h.records.On("StoreRecord", mock.Anything, mock.Anything).Return(nil).Once()
	rec := h.do(http.MethodPost, "/save", `{"url":"other.example","startTime":1700000000123}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, h.blobs.Paths(), 1)
	assert.Equal(t, []string{"example.com"}, h.server.Remaining())
}

func TestDuplicateURLsAreRemovedOneAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com", "example.com"}, Config{})
	h.records.On("StoreRecord", mock.Anything, mock.Anything).Return(nil)
	body := `{"url":"example.com","startTime":1700000000123}`
	require.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/save", body).Code)
	assert.Equal(t, []string{"example.com"}, h.server.Remaining())
	require.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/save", body).Code)
	assert.Empty(t, h.server.Remaining())
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", "").Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{APIKey: "secret"})
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/parameters", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/parameters?api_key=secret", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestEmptyListIsDoneImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, Config{})
	select {
	case <-h.server.Done():
	default:
		t.Fatal("expected done for empty list")
	}
}
