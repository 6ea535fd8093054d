package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tabcrawler/internal/crawler"
)

type sinkFunc func(context.Context, crawler.JobRecord) error

func (f sinkFunc) Report(ctx context.Context, rec crawler.JobRecord) error { return f(ctx, rec) }

func TestMultiReportsToAllSinks(t *testing.T) {
	t.Parallel()

	var seen []string
	ok := sinkFunc(func(_ context.Context, rec crawler.JobRecord) error {
		seen = append(seen, "ok:"+rec.URL)
		return nil
	})
	bad := sinkFunc(func(_ context.Context, rec crawler.JobRecord) error {
		seen = append(seen, "bad:"+rec.URL)
		return errors.New("collector down")
	})

	err := Multi{bad, nil, ok}.Report(context.Background(), crawler.JobRecord{URL: "a"})
	require.ErrorContains(t, err, "collector down")
	assert.Equal(t, []string{"bad:a", "ok:a"}, seen)
	assert.NoError(t, Multi{}.Report(context.Background(), crawler.JobRecord{}))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSink(zap.New(core))
	require.NoError(t, s.Report(context.Background(), crawler.JobRecord{URL: "a", StartTime: 1, EndTime: 11}))
	require.NoError(t, s.Report(context.Background(), crawler.JobRecord{URL: "b", Error: "timeout", TimedOut: true}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "timeout", entries[1].ContextMap()["error"])
}
