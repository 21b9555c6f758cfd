package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct{ events []axiom.Event }

func (r *recordingSink) Send(ev axiom.Event) { r.events = append(r.events, ev) }

func TestInitWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "app.log")
	require.NoError(t, Init(Options{Level: "info", File: file, MaxSizeMB: 1, Stdout: &buf}))

	log.Info().Str("job_id", "j1").Msg("workspace allocated")
	log.Debug().Msg("hidden")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev))
	assert.Equal(t, "workspace allocated", ev["message"])
	assert.Equal(t, serviceName, ev["service"])
	assert.Equal(t, "j1", ev["job_id"])

	_, err := os.Stat(file)
	assert.NoError(t, err, "rotating file writer created the log file")
}

func TestInitFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "nonsense", Stdout: &buf}))

	log.Debug().Msg("dropped")
	assert.Empty(t, buf.String())
}

func TestForJobTagsEvents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Stdout: &buf}))

	l := ForJob("abc")
	l.Info().Msg("state change")
	assert.Contains(t, buf.String(), `"job_id":"abc"`)
}

func TestContextCarriesJobLogger(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Stdout: &buf}))

	ctx := WithContext(context.Background(), ForJob("job-7"))
	From(ctx).Info().Msg("from below")
	assert.Contains(t, buf.String(), `"job_id":"job-7"`)

	buf.Reset()
	From(context.Background()).Info().Msg("no job")
	assert.Contains(t, buf.String(), `"service":"docconvert"`)
	assert.NotContains(t, buf.String(), "job_id")
}

func TestAxiomEventNestsJobFields(t *testing.T) {
	sink := &recordingSink{}
	w := &axiomWriter{sink: sink}

	line := `{"level":"error","service":"docconvert","job_id":"j1","failed_in":"converting","backend":"office","time":"2026-01-02T03:04:05Z","message":"job failed"}`
	n, err := w.WriteLevel(zerolog.ErrorLevel, []byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	require.Len(t, sink.events, 1)

	ev := sink.events[0]
	assert.Equal(t, map[string]any{"id": "j1", "failed_in": "converting", "backend": "office"}, ev["job"])
	assert.NotContains(t, ev, "job_id")
	assert.Equal(t, "2026-01-02T03:04:05Z", ev["_time"])
	assert.NotContains(t, ev, "time")
	assert.Equal(t, serviceName, ev["service"])
}

func TestAxiomSinkSkipsDebug(t *testing.T) {
	sink := &recordingSink{}
	lw := &zerolog.FilteredLevelWriter{Writer: &axiomWriter{sink: sink}, Level: zerolog.InfoLevel}
	l := zerolog.New(lw).Level(zerolog.DebugLevel)

	l.Debug().Msg("noise")
	assert.Empty(t, sink.events)
	l.Warn().Str("job_id", "j2").Msg("validation failed")
	require.Len(t, sink.events, 1)
	assert.Equal(t, "warn", sink.events[0]["level"])
	assert.Contains(t, sink.events[0], "_time")
}

func TestAxiomWriterWrapsPlainText(t *testing.T) {
	sink := &recordingSink{}
	w := &axiomWriter{sink: sink}

	_, err := w.WriteLevel(zerolog.InfoLevel, []byte("not json"))
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "not json", sink.events[0]["message"])
	assert.Equal(t, "info", sink.events[0]["level"])
	assert.NotContains(t, sink.events[0], "job")
}

func TestBatcherCountsDrops(t *testing.T) {
	b := &batcher{ch: make(chan axiom.Event, 1)}
	b.Send(axiom.Event{"n": 1})
	b.Send(axiom.Event{"n": 2})
	assert.EqualValues(t, 1, b.dropped.Load())
}
