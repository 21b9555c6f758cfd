// Package logger configures the process-wide zerolog logger and its sinks.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "docconvert"

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration

	// Stdout overrides os.Stdout, mainly for tests.
	Stdout io.Writer
}

var (
	global zerolog.Logger
	ax     *batcher
)

// Init builds the global logger. Every line goes to stdout and, when File is
// set, to a rotating file. Info and above are also shipped to Axiom.
func Init(opts Options) error {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	var sinks []io.Writer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		sinks = append(sinks, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}
	if opts.Pretty {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339})
	} else {
		sinks = append(sinks, stdout)
	}

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		b, err := newBatcher(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			ax = b
			sinks = append(sinks, &zerolog.FilteredLevelWriter{
				Writer: &axiomWriter{sink: b},
				Level:  zerolog.InfoLevel,
			})
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
	log.Logger = global
	return nil
}

// Close flushes the Axiom batch, if any, and reports events it had to drop.
func Close() {
	if ax == nil {
		return
	}
	if n := ax.Close(); n > 0 {
		fmt.Fprintf(os.Stderr, "Axiom dropped %d log events\n", n)
	}
	ax = nil
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// ForJob returns a child of the global logger tagged with the job id.
func ForJob(jobID string) zerolog.Logger {
	return log.Logger.With().Str("job_id", jobID).Logger()
}

// WithContext attaches l to ctx so code below the orchestrator logs with the
// job's fields.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// From returns the logger attached to ctx, or the global logger.
func From(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// jobKeys are the job-scoped fields nested under "job" on Axiom events, so
// one query can group a job's lines from every package.
var jobKeys = map[string]string{
	"job_id":        "id",
	"state":         "state",
	"failed_in":     "failed_in",
	"backend":       "backend",
	"input_format":  "input",
	"output_format": "output",
}

type eventSink interface {
	Send(ev axiom.Event)
}

// axiomWriter turns zerolog JSON lines into Axiom events.
type axiomWriter struct{ sink eventSink }

func (w *axiomWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *axiomWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.sink.Send(toEvent(level, p))
	return len(p), nil
}

func toEvent(level zerolog.Level, p []byte) axiom.Event {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]any{zerolog.MessageFieldName: string(p)}
	}
	if _, ok := ev[zerolog.LevelFieldName]; !ok && level != zerolog.NoLevel {
		ev[zerolog.LevelFieldName] = level.String()
	}
	job := map[string]any{}
	for from, to := range jobKeys {
		if v, ok := ev[from]; ok {
			job[to] = v
			delete(ev, from)
		}
	}
	if len(job) > 0 {
		ev["job"] = job
	}
	ev["service"] = serviceName
	if ts, ok := ev[zerolog.TimestampFieldName]; ok {
		ev[ingest.TimestampField] = ts
		delete(ev, zerolog.TimestampFieldName)
	} else {
		ev[ingest.TimestampField] = time.Now()
	}
	return axiom.Event(ev)
}

// batcher ships events to one Axiom dataset in batches.
type batcher struct {
	client  *axiom.Client
	dataset string
	ch      chan axiom.Event
	dropped atomic.Int64
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

const (
	batchSize   = 200
	queueLength = 1000
)

func newBatcher(token, orgID, dataset string, flushEvery time.Duration) (*batcher, error) {
	if dataset == "" {
		dataset = "dev_" + serviceName
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	b := &batcher{
		client:  c,
		dataset: dataset,
		ch:      make(chan axiom.Event, queueLength),
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop(flushEvery)
	return b, nil
}

// Send queues ev. A full queue drops it rather than block a request.
func (b *batcher) Send(ev axiom.Event) {
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *batcher) loop(flushEvery time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]axiom.Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		status, err := b.client.IngestEvents(ctx, b.dataset, batch)
		cancel()
		switch {
		case err != nil:
			b.dropped.Add(int64(len(batch)))
		case status != nil && status.Failed > 0:
			b.dropped.Add(int64(status.Failed))
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-b.stop:
			for {
				select {
				case ev := <-b.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-b.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		}
	}
}

// Close drains the queue, sends the last batch and returns the drop count.
func (b *batcher) Close() int64 {
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
	return b.dropped.Load()
}
