package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/internal/observability/metrics"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
)

const maxBodyBytes = 1 << 20

// Procedures is the storage the server reads and writes.
type Procedures interface {
	SaveProcedure(ctx context.Context, p *onkostar.Procedure, validate bool) (int64, error)
	GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error)
	ListByPatient(ctx context.Context, patientID int64, limit int) ([]*onkostar.Procedure, error)
	GetDisease(ctx context.Context, id int64) (*onkostar.Disease, error)
}

// Triggerer dispatches trigger events to analyzers.
type Triggerer interface {
	Trigger(ctx context.Context, ev host.Event) (host.Result, error)
}

// Executor runs scriptable plugin methods.
type Executor interface {
	Execute(ctx context.Context, pluginName, method string, input map[string]any) (any, error)
}

// Jobs reads asynchronous analysis jobs.
type Jobs interface {
	Get(ctx context.Context, id string) (*host.Job, error)
	List(ctx context.Context, limit int) ([]*host.Job, error)
	Stats(ctx context.Context) (host.JobStats, error)
}

// PluginCatalog lists registered analyzers.
type PluginCatalog interface {
	Infos() []plugin.Info
}

// Dependencies wires the server to the host. Metrics is optional.
type Dependencies struct {
	Procedures Procedures
	Dispatcher Triggerer
	Methods    Executor
	Jobs       Jobs
	Plugins    PluginCatalog
	Metrics    *metrics.Metrics
}

// Server exposes the development host REST API.
type Server struct {
	addr            string
	deps            Dependencies
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithShutdownTimeout bounds graceful shutdown in Start.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer constructs the API server.
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/procedures", "save_procedure", s.handleSaveProcedure)
	s.route(mux, "GET /api/v1/procedures/{id}", "get_procedure", s.handleGetProcedure)
	s.route(mux, "POST /api/v1/procedures/{id}/events", "trigger", s.handleTrigger)
	s.route(mux, "GET /api/v1/patients/{id}/procedures", "list_procedures", s.handleListProcedures)
	s.route(mux, "GET /api/v1/plugins", "plugins", s.handlePlugins)
	s.route(mux, "POST /api/v1/plugins/{plugin}/methods/{method}", "execute_method", s.handleExecute)
	s.route(mux, "GET /api/v1/jobs", "list_jobs", s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/stats", "job_stats", s.handleJobStats)
	s.route(mux, "GET /api/v1/jobs/{id}", "get_job", s.handleGetJob)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.deps.Metrics != nil {
		h = s.deps.Metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api shutdown", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSaveProcedure(w http.ResponseWriter, r *http.Request) {
	var p onkostar.Procedure
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	validate := true
	if raw := r.URL.Query().Get("validate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "validate must be a boolean"))
			return
		}
		validate = v
	}

	id, err := s.deps.Procedures.SaveProcedure(r.Context(), &p, validate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.deps.Procedures.GetProcedure(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger.Audit().Info("procedure saved",
		slog.Int64("procedure_id", id),
		slog.Int64("patient_id", stored.PatientID),
		slog.String("form_name", stored.FormName))
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetProcedure(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.deps.Procedures.GetProcedure(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProcedures(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Procedures.ListByPatient(r.Context(), patientID, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*onkostar.Procedure{}
	}
	writeJSON(w, http.StatusOK, list)
}

// TriggerRequest is the body of POST /api/v1/procedures/{id}/events.
type TriggerRequest struct {
	Event     string `json:"event"`
	DiseaseID int64  `json:"disease_id,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req TriggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	event, err := onkostar.ParseTriggerEvent(req.Event)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid trigger event"))
		return
	}

	ctx := r.Context()
	p, err := s.deps.Procedures.GetProcedure(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	diseaseID := req.DiseaseID
	if diseaseID == 0 {
		diseaseID = p.DiseaseID
	}
	var d *onkostar.Disease
	if diseaseID > 0 {
		if d, err = s.deps.Procedures.GetDisease(ctx, diseaseID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	result, err := s.deps.Dispatcher.Trigger(ctx, host.Event{Type: event, Procedure: p, Disease: d})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if len(result.Filter(host.OutcomeQueued)) > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Plugins.Infos()
	if infos == nil {
		infos = []plugin.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// MethodResponse wraps a plugin method result.
type MethodResponse struct {
	Result any `json:"result"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeBody(w, r, &input); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Methods.Execute(r.Context(), r.PathValue("plugin"), r.PathValue("method"), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MethodResponse{Result: result})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.List(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*host.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]ErrorBody{"error": {Code: string(code), Message: err.Error()}})
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(err error) int {
	switch code := xerrors.CodeOf(err); {
	case code == xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case code == host.CodeJobNotFound || storage.IsNotFound(err):
		return http.StatusNotFound
	case code == xerrors.CodeConflict || code == host.CodeJobConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reports an empty body as an INVALID_ARGUMENT wrapping io.EOF.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
