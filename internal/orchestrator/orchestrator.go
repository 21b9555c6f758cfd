// Package orchestrator drives conversion jobs from upload to streamed result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/converter"
	"github.com/local/docconvert/internal/formats"
	"github.com/local/docconvert/internal/intake"
	"github.com/local/docconvert/internal/limiter"
	"github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/metrics"
	"github.com/local/docconvert/internal/workspace"
)

// Converter runs one conversion attempt.
type Converter interface {
	Convert(ctx context.Context, req converter.Request) converter.Outcome
}

// Upload is one file from a client form.
type Upload struct {
	Name string
	Body io.Reader
}

// Form yields uploaded files in arrival order, then exposes text fields.
type Form interface {
	// NextFile returns the next file, or io.EOF when there are no more.
	// The previous file's Body is invalid once NextFile is called again.
	NextFile() (*Upload, error)
	// Value returns a text field. Valid after NextFile returned io.EOF.
	Value(key string) string
}

// Submission describes what a caller asks the orchestrator to do.
type Submission struct {
	Form Form
	// Output is the requested format. Empty means the form's "format" field.
	Output string
	// Spec pins the conversion instead of looking it up.
	Spec *formats.Spec
	// Inputs narrows the accepted upload extensions.
	Inputs []string
	// MaxFiles defaults to 1.
	MaxFiles int
	// MinFiles defaults to 1.
	MinFiles int
	// Sheets reads the "sheets" field as a sheet selection.
	Sheets bool
}

// Artifact is the verified result handed to a ResultWriter.
type Artifact struct {
	Name        string // client-facing file name
	ContentType string
	Size        int64
}

// ResultWriter receives the artifact. Begin is called only after the artifact
// has been verified; nothing must be sent to the client before that.
type ResultWriter interface {
	Begin(a Artifact) (io.Writer, error)
}

// Settings holds orchestrator limits.
type Settings struct {
	MaxUploadBytes      int64
	Timeout             time.Duration
	PresentationTimeout time.Duration
	MaxMergeFiles       int
}

// Dependencies groups collaborators.
type Dependencies struct {
	Workspaces *workspace.Manager
	Intake     *intake.Intake
	Converter  Converter
	Admission  *limiter.Admission
	Reader     converter.WorkbookReader
	Settings   Settings
	// OnFinish, when set, observes every job after cleanup.
	OnFinish func(*Job)
}

// Orchestrator owns the job state machine.
type Orchestrator struct {
	ws        *workspace.Manager
	intake    *intake.Intake
	conv      Converter
	admission *limiter.Admission
	reader    converter.WorkbookReader
	settings  Settings
	onFinish  func(*Job)
}

// New builds an Orchestrator.
func New(deps Dependencies) *Orchestrator {
	s := deps.Settings
	if s.MaxUploadBytes <= 0 {
		s.MaxUploadBytes = intake.DefaultMaxBytes
	}
	if s.Timeout <= 0 {
		s.Timeout = converter.DefaultTimeout
	}
	if s.PresentationTimeout <= 0 {
		s.PresentationTimeout = 2 * s.Timeout
	}
	if s.MaxMergeFiles <= 0 {
		s.MaxMergeFiles = 10
	}
	reader := deps.Reader
	if reader == nil {
		reader = converter.SpreadsheetReader{}
	}
	in := deps.Intake
	if in == nil {
		in = intake.New(nil)
	}
	return &Orchestrator{
		ws:        deps.Workspaces,
		intake:    in,
		conv:      deps.Converter,
		admission: deps.Admission,
		reader:    reader,
		settings:  s,
		onFinish:  deps.OnFinish,
	}
}

// Settings returns the effective limits.
func (o *Orchestrator) Settings() Settings { return o.settings }

// Run executes one job to a terminal state and returns it. The workspace is
// released exactly once, whether the job completes or fails.
func (o *Orchestrator) Run(ctx context.Context, sub Submission, out ResultWriter) (*Job, error) {
	job := newJob()
	ws, err := o.ws.Allocate(job.ID)
	if err != nil {
		job.fail(err)
		o.finish(job)
		return job, err
	}
	job.Workspace = ws
	defer o.finish(job)

	ctx = logger.WithContext(ctx, job.log)
	if err := o.run(ctx, job, sub, out); err != nil {
		job.fail(err)
		return job, err
	}
	return job, nil
}

func (o *Orchestrator) run(ctx context.Context, job *Job, sub Submission, out ResultWriter) error {
	if err := job.advance(StateValidating); err != nil {
		return err
	}
	req, err := o.validate(ctx, job, sub)
	if err != nil {
		return err
	}

	if err := job.advance(StateConverting); err != nil {
		return err
	}
	outcome, err := o.convert(ctx, req)
	if err != nil {
		return err
	}

	if err := job.advance(StateVerifying); err != nil {
		return err
	}
	if err := verify(outcome, req.Spec); err != nil {
		return err
	}

	if err := job.advance(StateStreaming); err != nil {
		return err
	}
	if err := stream(ctx, outcome.ArtifactPath, Artifact{
		Name:        req.BaseName + "." + req.Spec.Extension,
		ContentType: req.Spec.ContentType,
		Size:        outcome.Size,
	}, out); err != nil {
		return err
	}
	return job.advance(StateCompleted)
}

// validate stores the uploads and resolves the conversion. The converter is
// never reached when this fails.
func (o *Orchestrator) validate(ctx context.Context, job *Job, sub Submission) (converter.Request, error) {
	maxFiles := sub.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1
	}
	c := intake.Constraints{MaxBytes: o.settings.MaxUploadBytes, Allowed: sub.Inputs}

	var stored []*intake.StoredFile
	for {
		up, err := sub.Form.NextFile()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return converter.Request{}, err
		}
		if len(stored) == maxFiles {
			return converter.Request{}, apperr.Validation(fmt.Sprintf("too many files, at most %d allowed", maxFiles))
		}
		f, err := o.intake.Receive(ctx, job.Workspace, up.Body, up.Name, c)
		if err != nil {
			return converter.Request{}, err
		}
		metrics.ObserveUpload(f.Size)
		stored = append(stored, f)
	}
	if len(stored) == 0 {
		return converter.Request{}, apperr.Validation("no file uploaded")
	}
	if len(stored) < sub.MinFiles {
		return converter.Request{}, apperr.Validation(fmt.Sprintf("at least %d files required", sub.MinFiles))
	}
	first := stored[0]
	job.InputPath = first.Path
	job.InputFormat = first.Extension

	var spec formats.Spec
	if sub.Spec != nil {
		spec = *sub.Spec
	} else {
		output := sub.Output
		if output == "" {
			output = sub.Form.Value("format")
		}
		output = formats.Normalize(output)
		if output == "" {
			return converter.Request{}, apperr.Validation("missing target format")
		}
		s, ok := formats.Lookup(first.Extension, output)
		if !ok {
			return converter.Request{}, apperr.Validation(fmt.Sprintf("unsupported conversion: %s to %s", first.Extension, output))
		}
		spec = s
	}
	job.OutputFormat = spec.Output
	for _, f := range stored {
		if sameFamily(f.Extension, first.Extension) {
			continue
		}
		return converter.Request{}, apperr.Validation("all files must be spreadsheets of the same kind")
	}
	for _, f := range stored {
		if !spec.Accepts(f.Extension) {
			return converter.Request{}, apperr.Validation(fmt.Sprintf("unsupported input for %s: .%s", spec.Output, f.Extension))
		}
	}
	var sheets []string
	if sub.Sheets {
		sheets = converter.ParseSheetList(sub.Form.Value("sheets"))
		if err := o.checkSheets(stored, sheets); err != nil {
			return converter.Request{}, err
		}
	}

	outDir, err := job.Workspace.Mkdir("out")
	if err != nil {
		return converter.Request{}, err
	}
	req := converter.Request{
		JobID:    job.ID,
		BaseName: first.BaseName,
		Spec:     spec,
		OutDir:   outDir,
		WorkDir:  job.Workspace.Path,
		Timeout:  o.timeoutFor(first.Extension),
	}
	for _, f := range stored {
		req.Inputs = append(req.Inputs, f.Path)
		req.Labels = append(req.Labels, f.OriginalName)
	}
	if len(stored) > 1 {
		req.BaseName = "merged"
	}
	req.Sheets = sheets
	job.log.Info().Str("input_format", job.InputFormat).Str("output_format", job.OutputFormat).
		Str("backend", string(spec.Backend)).Int("files", len(stored)).Msg("job accepted")
	return req, nil
}

// checkSheets resolves a sheet selection against every stored workbook.
func (o *Orchestrator) checkSheets(stored []*intake.StoredFile, selectors []string) error {
	if len(selectors) == 0 {
		return nil
	}
	lister, ok := o.reader.(converter.SheetLister)
	if !ok {
		return nil
	}
	for _, f := range stored {
		names, err := lister.SheetNames(f.Path)
		if err != nil {
			return err
		}
		if err := converter.CheckSelection(names, selectors); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) timeoutFor(ext string) time.Duration {
	if c, ok := formats.CategoryOf(ext); ok && c == formats.CategoryPresentation {
		return o.settings.PresentationTimeout
	}
	return o.settings.Timeout
}

// admit waits for a conversion slot. The returned release is never nil.
func (o *Orchestrator) admit(ctx context.Context) (func(), error) {
	if o.admission == nil {
		return func() {}, nil
	}
	release, err := o.admission.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Conversion("client went away while queued", err)
		}
		return nil, err
	}
	return release, nil
}

func (o *Orchestrator) convert(ctx context.Context, req converter.Request) (converter.Outcome, error) {
	release, err := o.admit(ctx)
	if err != nil {
		return converter.Outcome{}, err
	}
	defer release()
	out := o.conv.Convert(ctx, req)
	if !out.Success {
		if out.Err == nil {
			out.Err = apperr.Conversion("converter reported failure", nil)
		}
		return out, out.Err
	}
	return out, nil
}

// verify rechecks the artifact independently of the converter's own report.
func verify(out converter.Outcome, spec formats.Spec) error {
	info, err := os.Stat(out.ArtifactPath)
	if err != nil {
		return apperr.Conversion("artifact missing", err)
	}
	if info.Size() == 0 {
		return apperr.Conversion("artifact is empty", nil)
	}
	switch {
	case spec.Extension == "pdf":
		return converter.VerifyPDF(out.ArtifactPath)
	case spec.Archive():
		return converter.VerifyZip(out.ArtifactPath)
	}
	return nil
}

func stream(ctx context.Context, path string, a Artifact, out ResultWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Resource("open artifact", err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil {
		a.Size = info.Size()
	}
	w, err := out.Begin(a)
	if err != nil {
		return apperr.Resource("begin response", err)
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return apperr.Conversion("streaming interrupted", err)
	}
	if n != a.Size {
		return apperr.Conversion(fmt.Sprintf("streamed %d of %d bytes", n, a.Size), nil)
	}
	return nil
}

func (o *Orchestrator) finish(job *Job) {
	if job.Workspace != nil {
		job.Workspace.Release()
	}
	state := job.State()
	if state == StateFailed {
		err := job.Err()
		kind := apperr.KindOf(err)
		metrics.IncFailure(string(kind), string(job.FailedIn()))
		ev := job.log.Warn()
		if kind != apperr.KindValidation {
			ev = job.log.Error()
		}
		ev.Err(err).Str("failed_in", string(job.FailedIn())).Dur("duration", time.Since(job.CreatedAt)).Msg("job failed")
	} else {
		job.log.Info().Str("output_format", job.OutputFormat).Dur("duration", time.Since(job.CreatedAt)).Msg("job completed")
	}
	metrics.ObserveJob(labelOr(job.OutputFormat, "unknown"), string(state))
	if o.onFinish != nil {
		o.onFinish(job)
	}
}

// Analyze reads a spreadsheet upload and summarizes it without converting.
// Parsing holds a conversion slot and runs under the conversion timeout.
func (o *Orchestrator) Analyze(ctx context.Context, form Form) (*converter.WorkbookInfo, error) {
	jobID := uuid.NewString()
	ws, err := o.ws.Allocate(jobID)
	if err != nil {
		return nil, err
	}
	defer ws.Release()

	up, err := form.NextFile()
	if errors.Is(err, io.EOF) {
		return nil, apperr.Validation("no file uploaded")
	}
	if err != nil {
		return nil, err
	}
	f, err := o.intake.Receive(ctx, ws, up.Body, up.Name, intake.Constraints{
		MaxBytes: o.settings.MaxUploadBytes,
		Allowed:  []string{"xlsx", "csv"},
	})
	if err != nil {
		return nil, err
	}

	release, err := o.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	runCtx, cancel := context.WithTimeout(ctx, o.settings.Timeout)
	defer cancel()
	wb, err := o.reader.ReadWorkbook(f.Path)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, apperr.Timeout(fmt.Sprintf("workbook analysis exceeded %s", o.settings.Timeout), err)
	}
	if ctx.Err() != nil {
		return nil, apperr.Conversion("analysis cancelled", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	info := converter.Describe(f.OriginalName, f.Size, wb)
	log.Info().Str("job_id", jobID).Int("sheets", info.TotalSheets).Msg("workbook analyzed")
	return &info, nil
}

func sameFamily(a, b string) bool {
	ca, _ := formats.CategoryOf(a)
	cb, _ := formats.CategoryOf(b)
	return ca == cb
}

func labelOr(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
