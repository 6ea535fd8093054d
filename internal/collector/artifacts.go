package collector

import (
	"bytes"
	"crypto/md5" //nolint:gosec // md5 only names files, matching existing output directories.
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

const basenameTimeLayout = "2006-01-02T150405.000000"

var errNotDataURL = errors.New("not a data URL")

// Basename names the artifacts of one record:
// <host>-<YYYY-MM-DDTHHMMSS.ffffff>-<md5 of the URL as reported>.
func Basename(rawURL string, startMillis int64) (string, error) {
	host, err := crawler.Hostname(rawURL)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(rawURL)) //nolint:gosec // see import
	stamp := time.UnixMilli(startMillis).UTC().Format(basenameTimeLayout)
	return fmt.Sprintf("%s-%s-%s", host, stamp, hex.EncodeToString(sum[:])), nil
}

// decodeDataURL returns the payload and media type of a data: URL.
func decodeDataURL(raw string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, "", errNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URL has no payload: %w", errNotDataURL)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URL: %w", err)
		}
		return data, mediaType, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("unescape data URL: %w", err)
	}
	return []byte(text), mediaType, nil
}

// metadataJSON renders the record without its screenshot and source: keys
// sorted, two-space indent, non-ASCII left as is, trailing newline.
func metadataJSON(fields map[string]any) ([]byte, error) {
	meta := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "screenshot" || k == "source" {
			continue
		}
		meta[k] = v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}
