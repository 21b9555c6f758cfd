package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/converter"
	"github.com/local/docconvert/internal/formats"
	"github.com/local/docconvert/internal/limiter"
	"github.com/local/docconvert/internal/workspace"
)

type sliceForm struct {
	files  []Upload
	values map[string]string
	next   int
}

func newForm(kv map[string]string, nameBody ...string) *sliceForm {
	f := &sliceForm{values: kv}
	for i := 0; i+1 < len(nameBody); i += 2 {
		f.files = append(f.files, Upload{Name: nameBody[i], Body: strings.NewReader(nameBody[i+1])})
	}
	return f
}

func (f *sliceForm) NextFile() (*Upload, error) {
	if f.next >= len(f.files) {
		return nil, io.EOF
	}
	u := f.files[f.next]
	f.next++
	return &u, nil
}

func (f *sliceForm) Value(key string) string { return f.values[key] }

type bufferResult struct {
	bytes.Buffer
	artifact Artifact
	begun    bool
	onBegin  func()
	err      error
}

func (b *bufferResult) Begin(a Artifact) (io.Writer, error) {
	if b.onBegin != nil {
		b.onBegin()
	}
	if b.err != nil {
		return nil, b.err
	}
	b.begun = true
	b.artifact = a
	return &b.Buffer, nil
}

// countingBackend wraps fn and counts invocations.
type countingBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req converter.Request) (string, error)
}

func (c *countingBackend) Convert(ctx context.Context, req converter.Request) (string, error) {
	c.calls.Add(1)
	return c.fn(ctx, req)
}

func writeText(req converter.Request) (string, error) {
	p := filepath.Join(req.OutDir, req.BaseName+"."+req.Spec.Extension)
	return p, os.WriteFile(p, []byte("converted text"), 0o600)
}

func newTestOrchestrator(t *testing.T, backend converter.Backend, mod func(*Dependencies)) (*Orchestrator, *workspace.Manager) {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	deps := Dependencies{
		Workspaces: mgr,
		Converter: converter.NewInvoker(map[formats.Backend]converter.Backend{
			formats.BackendOffice:   backend,
			formats.BackendSheetPDF: &converter.SheetPDF{Reader: converter.SpreadsheetReader{}, Renderer: converter.FPDFTables{}},
		}),
		Settings: Settings{Timeout: 5 * time.Second},
	}
	if mod != nil {
		mod(&deps)
	}
	return New(deps), mgr
}

func rootEntries(t *testing.T, mgr *workspace.Manager) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(mgr.Root())
	require.NoError(t, err)
	return entries
}

func TestRunCompletesAndReleasesWorkspace(t *testing.T) {
	var mgr *workspace.Manager
	var activeDuringConvert, activeDuringStream int
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		activeDuringConvert = mgr.Active()
		return writeText(req)
	}}
	orch, m := newTestOrchestrator(t, backend, nil)
	mgr = m

	res := &bufferResult{onBegin: func() { activeDuringStream = mgr.Active() }}
	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "report.docx", "PK fake"), Output: "txt"}, res)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, job.State())
	assert.Equal(t, []State{StateReceived, StateValidating, StateConverting, StateVerifying, StateStreaming, StateCompleted}, job.History())
	assert.Equal(t, 1, activeDuringConvert)
	assert.Equal(t, 1, activeDuringStream)
	assert.Equal(t, 0, mgr.Active())
	assert.Empty(t, rootEntries(t, mgr))
	assert.EqualValues(t, 1, backend.calls.Load())

	assert.Equal(t, "report.txt", res.artifact.Name)
	assert.Equal(t, "converted text", res.String())
	assert.EqualValues(t, len("converted text"), res.artifact.Size)
	assert.Equal(t, "docx", job.InputFormat)
	assert.Equal(t, "txt", job.OutputFormat)
}

func TestRunUsesFormatField(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
	orch, _ := newTestOrchestrator(t, backend, nil)

	res := &bufferResult{}
	_, err := orch.Run(context.Background(), Submission{Form: newForm(map[string]string{"format": "TXT"}, "a.odt", "x")}, res)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", res.artifact.Name)
}

func TestRunRejectsBeforeConverting(t *testing.T) {
	cases := []struct {
		name string
		sub  Submission
	}{
		{"unknown extension", Submission{Form: newForm(nil, "notes.xyz", "data"), Output: "pdf"}},
		{"no file", Submission{Form: newForm(nil), Output: "pdf"}},
		{"missing format", Submission{Form: newForm(nil, "a.docx", "data")}},
		{"unsupported pair", Submission{Form: newForm(nil, "a.docx", "data"), Output: "png"}},
		{"empty upload", Submission{Form: newForm(nil, "a.docx", ""), Output: "pdf"}},
		{"endpoint narrows inputs", Submission{Form: newForm(nil, "a.odt", "data"), Output: "pdf", Inputs: []string{"docx"}}},
		{"too many files", Submission{Form: newForm(nil, "a.docx", "x", "b.docx", "y"), Output: "pdf"}},
		{"mixed families", Submission{Form: newForm(nil, "a.csv", "x", "b.docx", "y"), Spec: &formats.SheetTablePDF, MaxFiles: 5}},
		{"sheet backend needs xlsx or csv", Submission{Form: newForm(nil, "a.ods", "x"), Spec: &formats.SheetTablePDF}},
		{"sheet images need xlsx or csv", Submission{Form: newForm(nil, "a.xls", "x"), Output: "png"}},
		{"unknown sheet", Submission{Form: newForm(map[string]string{"sheets": "Missing"}, "a.csv", "x,y\n"), Spec: &formats.SheetTablePDF, Sheets: true}},
		{"merge needs two files", Submission{Form: newForm(nil, "a.pdf", "%PDF-1.4"), Spec: &formats.PDFMerge, MinFiles: 2, MaxFiles: 5}},
		{"pdf tools need pdf", Submission{Form: newForm(nil, "a.docx", "x"), Spec: &formats.PDFSplit}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
			orch, mgr := newTestOrchestrator(t, backend, nil)
			res := &bufferResult{}

			job, err := orch.Run(context.Background(), tc.sub, res)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
			assert.Equal(t, StateFailed, job.State())
			assert.Equal(t, StateValidating, job.FailedIn())
			assert.Zero(t, backend.calls.Load())
			assert.False(t, res.begun)
			assert.Empty(t, rootEntries(t, mgr))
		})
	}
}

func TestRunFailsWhenConverterProducesNothing(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		return filepath.Join(req.OutDir, "missing.txt"), nil
	}}
	orch, mgr := newTestOrchestrator(t, backend, nil)
	res := &bufferResult{}

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, res)
	require.Error(t, err)
	assert.Equal(t, StateConverting, job.FailedIn())
	assert.True(t, apperr.Is(err, apperr.KindConversion))
	assert.False(t, res.begun)
	assert.Empty(t, rootEntries(t, mgr))
}

func TestRunTimeoutIsNotRetried(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	orch, mgr := newTestOrchestrator(t, backend, func(d *Dependencies) { d.Settings.Timeout = 50 * time.Millisecond })
	res := &bufferResult{}

	start := time.Now()
	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "pdf"}, res)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, StateConverting, job.FailedIn())
	assert.EqualValues(t, 1, backend.calls.Load())
	assert.Empty(t, rootEntries(t, mgr))
}

func TestRunPresentationTimeout(t *testing.T) {
	var got time.Duration
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		got = req.Timeout
		return writeText(req)
	}}
	orch, _ := newTestOrchestrator(t, backend, func(d *Dependencies) {
		d.Settings.Timeout = time.Second
		d.Settings.PresentationTimeout = 7 * time.Second
	})

	res := &bufferResult{}
	_, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "deck.pptx", "x"), Output: "odp"}, res)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, got)
	assert.Equal(t, "deck.odp", res.artifact.Name)

	_, err = orch.Run(context.Background(), Submission{Form: newForm(nil, "memo.docx", "x"), Output: "odt"}, &bufferResult{})
	require.NoError(t, err)
	assert.Equal(t, time.Second, got)
}

func TestConcurrentJobsGetDistinctWorkspaces(t *testing.T) {
	var mu sync.Mutex
	dirs := map[string]bool{}
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		mu.Lock()
		dirs[req.WorkDir] = true
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return writeText(req)
	}}
	orch, mgr := newTestOrchestrator(t, backend, nil)

	var wg sync.WaitGroup
	results := make([]*bufferResult, 2)
	errs := make([]error, 2)
	for i := range results {
		results[i] = &bufferResult{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.Run(context.Background(), Submission{Form: newForm(nil, "same.docx", "same"), Output: "txt"}, results[i])
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "same.txt", results[i].artifact.Name)
	}
	assert.Len(t, dirs, 2)
	assert.Empty(t, rootEntries(t, mgr))
}

func TestRunBusyWhenNoSlotFrees(t *testing.T) {
	adm := limiter.New(1, 20*time.Millisecond)
	hold, ok := adm.Allow()
	require.True(t, ok)
	defer hold()

	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
	orch, mgr := newTestOrchestrator(t, backend, func(d *Dependencies) { d.Admission = adm })

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, &bufferResult{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBusy))
	assert.Equal(t, StateConverting, job.FailedIn())
	assert.Zero(t, backend.calls.Load())
	assert.Empty(t, rootEntries(t, mgr))
}

type staticConverter struct{ out converter.Outcome }

func (s staticConverter) Convert(ctx context.Context, req converter.Request) converter.Outcome {
	return s.out
}

func TestVerifyRejectsReportedSuccess(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Converter = staticConverter{out: converter.Outcome{Success: true, ArtifactPath: "/nonexistent/out.txt", Size: 10}}
	})
	res := &bufferResult{}

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, res)
	require.Error(t, err)
	assert.Equal(t, StateVerifying, job.FailedIn())
	assert.False(t, res.begun)
	assert.Empty(t, rootEntries(t, mgr))
}

func TestVerifyRejectsInvalidPDF(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) {
		p := filepath.Join(req.OutDir, req.BaseName+".pdf")
		return p, os.WriteFile(p, []byte("not a pdf"), 0o600)
	}}
	orch, _ := newTestOrchestrator(t, backend, nil)

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "pdf"}, &bufferResult{})
	require.Error(t, err)
	assert.Equal(t, StateVerifying, job.FailedIn())
}

func TestVerifyRejectsInvalidArchive(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Converter = converter.NewInvoker(map[formats.Backend]converter.Backend{
			formats.BackendSheetCSV: converter.BackendFunc(func(ctx context.Context, req converter.Request) (string, error) {
				p := filepath.Join(req.OutDir, "sheets.zip")
				return p, os.WriteFile(p, []byte("PK not really"), 0o600)
			}),
		})
	})

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.csv", "x,y\n"), Spec: &formats.SheetCSV}, &bufferResult{})
	require.Error(t, err)
	assert.Equal(t, StateVerifying, job.FailedIn())
	assert.Empty(t, rootEntries(t, mgr))
}

func TestStreamFailureStillReleases(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
	var released bool
	var mgr *workspace.Manager
	orch, m := newTestOrchestrator(t, backend, func(d *Dependencies) {
		d.OnFinish = func(j *Job) {
			_, err := os.Stat(j.Workspace.Path)
			released = errors.Is(err, os.ErrNotExist) && mgr.Active() == 0
		}
	})
	mgr = m

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, &bufferResult{err: errors.New("client gone")})
	require.Error(t, err)
	assert.Equal(t, StateStreaming, job.FailedIn())
	assert.True(t, released)
}

func TestMergeSpreadsheetsIntoOnePDF(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, nil, nil)
	res := &bufferResult{}

	job, err := orch.Run(context.Background(), Submission{
		Form:     newForm(nil, "q1.csv", "region,total\nnorth,10\n", "q2.csv", "region,total\nsouth,20\n"),
		Spec:     &formats.SheetTablePDF,
		MaxFiles: 10,
	}, res)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State())
	assert.Equal(t, "merged.pdf", res.artifact.Name)
	assert.Equal(t, "application/pdf", res.artifact.ContentType)

	out := filepath.Join(t.TempDir(), "merged.pdf")
	require.NoError(t, os.WriteFile(out, res.Bytes(), 0o600))
	pages, err := converter.PDFPageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	assert.Empty(t, rootEntries(t, mgr))
}

func TestAnalyzeSummarizesWorkbook(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, nil, nil)

	info, err := orch.Analyze(context.Background(), newForm(nil, "data.csv", "a,b,c\n1,2,3\n4,5,6\n"))
	require.NoError(t, err)
	assert.Equal(t, "data.csv", info.FileName)
	assert.Equal(t, 1, info.TotalSheets)
	require.Len(t, info.Sheets, 1)
	assert.Equal(t, 3, info.Sheets[0].Rows)
	assert.Equal(t, 3, info.Sheets[0].Columns)
	assert.Empty(t, rootEntries(t, mgr))

	_, err = orch.Analyze(context.Background(), newForm(nil, "deck.pptx", "x"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAnalyzeWaitsForAdmission(t *testing.T) {
	adm := limiter.New(1, 20*time.Millisecond)
	hold, ok := adm.Allow()
	require.True(t, ok)
	defer hold()
	reader := &slowReader{}
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Admission = adm
		d.Reader = reader
	})

	_, err := orch.Analyze(context.Background(), newForm(nil, "data.csv", "a,b\n"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBusy))
	assert.Zero(t, reader.started.Load(), "nothing is parsed without a slot")
	assert.Empty(t, rootEntries(t, mgr))
}

func TestAnalyzeTimeout(t *testing.T) {
	reader := &slowReader{delay: 100 * time.Millisecond}
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Reader = reader
		d.Settings.Timeout = 20 * time.Millisecond
	})

	_, err := orch.Analyze(context.Background(), newForm(nil, "data.csv", "a,b\n"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Empty(t, rootEntries(t, mgr))
}

func TestPDFMergeAndSplit(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Converter = converter.NewInvoker(converter.StandardBackends(converter.Options{ChromeBin: "chromium"}))
	})
	table := &bufferResult{}
	_, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.csv", "x,y\n1,2\n"), Spec: &formats.SheetTablePDF}, table)
	require.NoError(t, err)
	doc := table.String()

	merged := &bufferResult{}
	job, err := orch.Run(context.Background(), Submission{
		Form:     newForm(nil, "one.pdf", doc, "two.pdf", doc),
		Spec:     &formats.PDFMerge,
		MinFiles: 2,
		MaxFiles: 5,
	}, merged)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State())
	assert.Equal(t, "merged.pdf", merged.artifact.Name)
	out := filepath.Join(t.TempDir(), "merged.pdf")
	require.NoError(t, os.WriteFile(out, merged.Bytes(), 0o600))
	pages, err := converter.PDFPageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)

	split := &bufferResult{}
	_, err = orch.Run(context.Background(), Submission{Form: newForm(nil, "report.pdf", merged.String()), Spec: &formats.PDFSplit}, split)
	require.NoError(t, err)
	assert.Equal(t, "report.zip", split.artifact.Name)
	assert.Equal(t, "application/zip", split.artifact.ContentType)
	assert.Empty(t, rootEntries(t, mgr))
}

// slowReader holds each read for delay and records the widest overlap.
type slowReader struct {
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	started atomic.Int32
}

func (s *slowReader) ReadWorkbook(path string) (*converter.Workbook, error) {
	s.started.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return &converter.Workbook{Sheets: []converter.Sheet{{Name: "Sheet1", Rows: [][]string{{"a", "b"}}}}}, nil
}

func TestTimedOutSheetWorkKeepsSlotAndWorkspace(t *testing.T) {
	reader := &slowReader{delay: 200 * time.Millisecond}
	orch, mgr := newTestOrchestrator(t, nil, func(d *Dependencies) {
		d.Converter = converter.NewInvoker(map[formats.Backend]converter.Backend{
			formats.BackendSheetPDF: &converter.SheetPDF{Reader: reader, Renderer: converter.FPDFTables{}},
		})
		d.Admission = limiter.New(1, 5*time.Second)
		d.Settings.Timeout = 50 * time.Millisecond
	})

	const jobs = 3
	var wg sync.WaitGroup
	errs := make([]error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.Run(context.Background(), Submission{
				Form: newForm(nil, "data.csv", "a,b\n"),
				Spec: &formats.SheetTablePDF,
			}, &bufferResult{})
		}(i)
	}
	wg.Wait()
	// Anything still running after Run returned would show up here.
	time.Sleep(300 * time.Millisecond)

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindTimeout), "got %v", err)
	}
	assert.EqualValues(t, jobs, reader.started.Load())
	assert.EqualValues(t, 1, reader.peak.Load(), "admission must cover work that outlives its deadline")
	assert.Empty(t, rootEntries(t, mgr), "no released workspace may be recreated")
}

// failingWriter accepts limit bytes and then fails.
type failingWriter struct {
	limit int
	n     int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.n+len(p) > f.limit {
		w := f.limit - f.n
		f.n = f.limit
		return w, errors.New("connection reset")
	}
	f.n += len(p)
	return len(p), nil
}

type writerResult struct {
	w       io.Writer
	onBegin func()
}

func (r *writerResult) Begin(a Artifact) (io.Writer, error) {
	if r.onBegin != nil {
		r.onBegin()
	}
	return r.w, nil
}

func TestWriteFailureMidStream(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
	orch, mgr := newTestOrchestrator(t, backend, nil)

	job, err := orch.Run(context.Background(), Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, &writerResult{w: &failingWriter{limit: 4}})
	require.Error(t, err)
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, StateStreaming, job.FailedIn())
	assert.Empty(t, rootEntries(t, mgr))
	assert.Zero(t, mgr.Active())
}

func TestCancelDuringStreaming(t *testing.T) {
	backend := &countingBackend{fn: func(ctx context.Context, req converter.Request) (string, error) { return writeText(req) }}
	orch, mgr := newTestOrchestrator(t, backend, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink bytes.Buffer
	job, err := orch.Run(ctx, Submission{Form: newForm(nil, "a.docx", "x"), Output: "txt"}, &writerResult{w: &sink, onBegin: cancel})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStreaming, job.FailedIn())
	assert.Zero(t, sink.Len(), "nothing is copied after cancellation")
	assert.Empty(t, rootEntries(t, mgr))
}
