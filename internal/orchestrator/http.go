package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/local/docconvert/internal/apperr"
	"github.com/local/docconvert/internal/formats"
	"github.com/local/docconvert/internal/metrics"
	"github.com/local/docconvert/internal/statuscheck"
)

// multipartOverhead is allowed on top of the per-file limit for field parts
// and boundaries.
const multipartOverhead = 1 << 20

// RouterOptions configures optional endpoints.
type RouterOptions struct {
	Status  *statuscheck.Checker
	Metrics bool
}

type server struct {
	orch   *Orchestrator
	status *statuscheck.Checker
}

// NewRouter builds the HTTP API.
func NewRouter(o *Orchestrator, opts RouterOptions) http.Handler {
	s := &server{orch: o, status: opts.Status}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverJSON)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	if opts.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/api/formats", s.handleFormats)
	r.Get("/api/status", s.handleStatus)

	r.Post("/api/convert", s.convert(Submission{}, "file"))
	r.Post("/api/convert/docx-to-pdf", s.convert(Submission{Output: "pdf", Inputs: []string{"docx", "doc"}}, "file"))
	r.Post("/api/convert/pptx-to-pdf", s.convert(Submission{Output: "pdf", Inputs: []string{"pptx", "ppt"}}, "file"))
	r.Post("/api/convert/xlsx-to-pdf", s.convert(Submission{Spec: &formats.SheetTablePDF, Inputs: sheetInputs}, "file"))
	r.Post("/api/convert/xlsx-sheets-to-pdf", s.convert(Submission{Spec: &formats.SheetTablePDF, Inputs: sheetInputs, Sheets: true}, "file"))
	r.Post("/api/convert/xlsx-to-images", s.convert(Submission{Spec: &formats.SheetImages, Inputs: sheetInputs, Sheets: true}, "file"))
	r.Post("/api/convert/xlsx-to-csv", s.convert(Submission{Spec: &formats.SheetCSV, Inputs: sheetInputs}, "file"))
	r.Post("/api/convert/xlsx-merge-to-pdf", s.convert(Submission{
		Spec:     &formats.SheetTablePDF,
		Inputs:   sheetInputs,
		MaxFiles: o.settings.MaxMergeFiles,
	}, "files", "files[]", "file"))
	r.Post("/api/pdf/merge", s.convert(Submission{
		Spec:     &formats.PDFMerge,
		Inputs:   pdfInputs,
		MinFiles: 2,
		MaxFiles: o.settings.MaxMergeFiles,
	}, "files", "files[]", "file"))
	r.Post("/api/pdf/split", s.convert(Submission{Spec: &formats.PDFSplit, Inputs: pdfInputs}, "file"))
	r.Post("/api/analyze/xlsx-metadata", s.handleMetadata)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
	return r
}

var (
	sheetInputs = []string{"xlsx", "csv"}
	pdfInputs   = []string{"pdf"}
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"input":  formats.Inputs(),
		"output": formats.Outputs(),
	})
}

type statusResp struct {
	statuscheck.Summary
	ActiveWorkspaces int `json:"active_workspaces"`
	InFlight         int `json:"conversions_inflight"`
	Capacity         int `json:"conversion_slots"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResp{ActiveWorkspaces: s.orch.ws.Active()}
	if s.orch.admission != nil {
		resp.InFlight = s.orch.admission.InFlight()
		resp.Capacity = s.orch.admission.Capacity()
	}
	code := http.StatusOK
	if s.status != nil {
		resp.Summary = s.status.Summary(r.Context())
		if !resp.Summary.Healthy() {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// convert returns a handler running base against the request's form.
func (s *server) convert(base Submission, fileFields ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxFiles := base.MaxFiles
		if maxFiles <= 0 {
			maxFiles = 1
		}
		form, err := s.openForm(w, r, maxFiles, fileFields)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub := base
		sub.Form = form
		res := &httpResult{w: w}
		if _, err := s.orch.Run(r.Context(), sub, res); err != nil && !res.started {
			writeError(w, r, err)
		}
	}
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	form, err := s.openForm(w, r, 1, []string{"file"})
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.orch.Analyze(r.Context(), form)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) openForm(w http.ResponseWriter, r *http.Request, maxFiles int, fileFields []string) (Form, error) {
	limit := int64(maxFiles)*s.orch.settings.MaxUploadBytes + multipartOverhead
	if r.ContentLength > limit {
		return nil, apperr.Oversize(s.orch.settings.MaxUploadBytes)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return newMultipartForm(r, fileFields)
}

// httpResult writes the artifact as an attachment.
type httpResult struct {
	w       http.ResponseWriter
	started bool
}

func (h *httpResult) Begin(a Artifact) (io.Writer, error) {
	h.started = true
	hdr := h.w.Header()
	hdr.Set("Content-Type", a.ContentType)
	hdr.Set("Content-Disposition", attachment(a.Name))
	hdr.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	hdr.Set("X-Content-Type-Options", "nosniff")
	h.w.WriteHeader(http.StatusOK)
	return h.w, nil
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return fmt.Sprintf("attachment; filename=%q", "download")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= 500 {
		log.Error().Err(err).Str("request_id", chimiddleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": apperr.PublicMessage(err)})
}
