package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/internal/auth"
	"github.com/liamcoop/datadictionary/internal/logger"
	"github.com/liamcoop/datadictionary/internal/metrics"
	"github.com/liamcoop/datadictionary/tables"
	"github.com/liamcoop/datadictionary/visibility"
)

// Options holds the dependencies of a Server.
type Options struct {
	Service        *dictionary.Service
	Tables         *tables.Registry
	Authenticator  *auth.Authenticator
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
	JQueryURI      string
	DataTablesURI  string

	// Health reports backend reachability. Nil means always healthy.
	Health func(context.Context) error
}

type Server struct {
	service *dictionary.Service
	tables  *tables.Registry
	authn   *auth.Authenticator
	metrics *metrics.Metrics
	render  *renderer
	health  func(context.Context) error
	timeout time.Duration
	router  *chi.Mux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil || opts.Authenticator == nil {
		return nil, errors.New("service and authenticator are required")
	}
	rd, err := newRenderer(opts.JQueryURI, opts.DataTablesURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		service: opts.Service,
		tables:  opts.Tables,
		authn:   opts.Authenticator,
		metrics: opts.Metrics,
		render:  rd,
		health:  opts.Health,
		timeout: opts.RequestTimeout,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authn.Middleware)

		r.Get("/dictionary/edge/v1", s.handleEdgeDictionary)
		r.Get("/dictionary/edge/v1/", s.handleEdgeDictionary)

		r.Route("/dictionary/data/v1", func(r chi.Router) {
			r.Get("/", s.handleDataDictionary)

			r.Route("/Descriptions", func(r chi.Router) {
				r.Get("/", s.handleDescriptions)
				r.Post("/", s.handlePostDescriptions)
				r.Get("/{datatype}", s.handleDescriptions)
				r.Get("/{datatype}/{fieldName}", s.handleDescriptions)
				r.Delete("/{datatype}/{fieldName}", s.handleDeleteDescription)
				r.Put("/{datatype}/{fieldName}/{description}", s.handlePutDescription)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request and records it in the HTTP metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)

		logger.RecordStatus(status)
		s.metrics.RecordHTTPRequest(r.Method, route, status, duration)
		logger.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tableCount := 0
	if s.tables != nil {
		tableCount = len(s.tables.List())
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"tablesLoaded": tableCount,
	})
}

func (s *Server) handleDataDictionary(w http.ResponseWriter, r *http.Request) {
	q, err := readQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.service.DataDictionary(r.Context(), auth.CallerFromContext(r.Context()), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respondDictionary(w, r, "Data Dictionary", newDictionaryResponse("DataDictionary", resp))
}

func (s *Server) handleEdgeDictionary(w http.ResponseWriter, r *http.Request) {
	q, err := readQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q.DataTypes = nil
	resp, err := s.service.EdgeDictionary(r.Context(), auth.CallerFromContext(r.Context()), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respondDictionary(w, r, "Edge Dictionary", newDictionaryResponse("EdgeDictionary", resp))
}

func (s *Server) handleDescriptions(w http.ResponseWriter, r *http.Request) {
	q, err := readQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if dt := chi.URLParam(r, "datatype"); dt != "" {
		q.DataTypes = []string{dt}
	}
	q.FieldName = chi.URLParam(r, "fieldName")

	resp, err := s.service.Descriptions(r.Context(), auth.CallerFromContext(r.Context()), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respondDictionary(w, r, "Field Descriptions", newDictionaryResponse("Descriptions", resp))
}

func (s *Server) handlePostDescriptions(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if err := s.service.Authorize(caller, dictionary.OpSetDescription); err != nil {
		s.respondError(w, r, err)
		return
	}
	mutations, table, err := readMutations(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.service.SetDescriptions(r.Context(), caller, table, mutations)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respond(w, r, http.StatusOK, newWriteResponse(resp))
}

func (s *Server) handlePutDescription(w http.ResponseWriter, r *http.Request) {
	m := dictionary.DescriptionMutation{
		DescriptionKey: descriptionKey(r),
		Description:    chi.URLParam(r, "description"),
	}
	table := r.URL.Query().Get("metadataTableName")

	resp, err := s.service.SetDescription(r.Context(), auth.CallerFromContext(r.Context()), table, m)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respond(w, r, http.StatusOK, newWriteResponse(resp))
}

func (s *Server) handleDeleteDescription(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("metadataTableName")

	resp, err := s.service.DeleteDescription(r.Context(), auth.CallerFromContext(r.Context()), table, descriptionKey(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.render.respond(w, r, http.StatusOK, newWriteResponse(resp))
}

// respondError maps service errors onto HTTP statuses. Nothing is written for
// requests the client abandoned.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logger.Debug("client went away", "path", r.URL.Path, "error", err)
		return
	}

	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, dictionary.ErrInvalidInput):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, dictionary.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, dictionary.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, dictionary.ErrStorageUnavailable):
		status, message = http.StatusServiceUnavailable, "storage unavailable"
	}

	body := ErrorResponse{Error: message, RequestID: middleware.GetReqID(r.Context())}
	if status != http.StatusInternalServerError {
		body.Details = err.Error()
	}
	s.render.respond(w, r, status, body)
}

// readQuery parses the read parameters shared by every dictionary endpoint.
func readQuery(r *http.Request) (dictionary.Query, error) {
	params := r.URL.Query()
	q := dictionary.Query{
		Table:     params.Get("metadataTableName"),
		DataTypes: splitList(params["dataTypeFilters"]),
		Auths:     splitList(params["queryAuthorizations"]),
	}
	if q.Table != "" {
		if err := tables.ValidateTableName(q.Table); err != nil {
			return q, err
		}
	}

	var err error
	if q.Page.Offset, err = nonNegativeInt(params, "offset"); err != nil {
		return q, err
	}
	if q.Page.Limit, err = nonNegativeInt(params, "limit"); err != nil {
		return q, err
	}
	return q, nil
}

func nonNegativeInt(params map[string][]string, name string) (int, error) {
	values := params[name]
	if len(values) == 0 || values[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(values[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", dictionary.ErrInvalidInput, name, values[0])
	}
	return n, nil
}

// splitList flattens repeated and comma separated parameter values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func descriptionKey(r *http.Request) dictionary.DescriptionKey {
	return dictionary.DescriptionKey{
		DataType:  chi.URLParam(r, "datatype"),
		FieldName: chi.URLParam(r, "fieldName"),
		Markings:  visibility.NewMarkings(r.URL.Query().Get("columnVisibility")),
	}
}

// readMutations accepts either a form post describing one field or a JSON
// body listing several.
func readMutations(r *http.Request) ([]dictionary.DescriptionMutation, string, error) {
	table := r.URL.Query().Get("metadataTableName")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body DescriptionsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, table, fmt.Errorf("%w: invalid request body: %w", dictionary.ErrInvalidInput, err)
		}
		mutations := make([]dictionary.DescriptionMutation, 0, len(body.Descriptions))
		for _, d := range body.Descriptions {
			mutations = append(mutations, d.mutation())
		}
		return mutations, table, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, table, fmt.Errorf("%w: invalid form: %w", dictionary.ErrInvalidInput, err)
	}
	if t := r.PostForm.Get("metadataTableName"); t != "" {
		table = t
	}
	d := DescriptionRequest{
		DataType:         r.PostForm.Get("datatype"),
		FieldName:        r.PostForm.Get("fieldName"),
		Description:      r.PostForm.Get("description"),
		ColumnVisibility: r.PostForm.Get("columnVisibility"),
	}
	return []dictionary.DescriptionMutation{d.mutation()}, table, nil
}
