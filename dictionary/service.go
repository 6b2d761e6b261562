package dictionary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/datadictionary/internal/logger"
	"github.com/liamcoop/datadictionary/internal/metrics"
)

// Stage is a step in the life of one service request.
type Stage int

const (
	StageReceived Stage = iota
	StageAuthorized
	StageFetched
	StageAggregated
	StageResponded
	StageRejected
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageAuthorized:
		return "authorized"
	case StageFetched:
		return "fetched"
	case StageAggregated:
		return "aggregated"
	case StageResponded:
		return "responded"
	case StageRejected:
		return "rejected"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// RepositoryProvider resolves a metadata table name to its repository.
// It returns an error wrapping ErrNotFound for unknown tables.
type RepositoryProvider interface {
	Repository(table string) (Repository, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// DefaultTable is used when a request names no metadata table.
	DefaultTable string

	// RepositoryTimeout bounds every single repository call.
	RepositoryTimeout time.Duration

	// WriteAttempts is the number of tries for a mutation failing with
	// ErrStorageUnavailable. Reads are tried once.
	WriteAttempts int

	// MaxPageSize caps the number of entries returned by one read.
	// Zero means no cap.
	MaxPageSize int
}

// DefaultServiceConfig returns the defaults used by the server.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultTable:      "DatawaveMetadata",
		RepositoryTimeout: 10 * time.Second,
		WriteAttempts:     2,
		MaxPageSize:       10000,
	}
}

// Query scopes a dictionary read.
type Query struct {
	Table     string
	DataTypes []string
	FieldName string

	// Auths optionally narrows the caller's credentials for this read.
	Auths []string

	Page Page
}

// Response is the result of a dictionary read.
type Response struct {
	RequestID     string
	Table         string
	Result        DictionaryResult
	OperationTime time.Duration
}

// WriteResponse is the result of a description mutation.
type WriteResponse struct {
	RequestID     string
	Table         string
	Applied       int
	OperationTime time.Duration
}

// Service orchestrates dictionary requests: it authorizes the caller, talks
// to the table's repository and shapes the result. It holds no per-request
// state and is safe for concurrent use.
type Service struct {
	repos      RepositoryProvider
	policy     AccessPolicy
	aggregator *Aggregator
	config     ServiceConfig
	metrics    *metrics.Metrics
}

// NewService creates a Service. m may be nil.
func NewService(repos RepositoryProvider, policy AccessPolicy, filter VisibilityFilter, config ServiceConfig, m *metrics.Metrics) *Service {
	if config.WriteAttempts < 1 {
		config.WriteAttempts = 1
	}
	if config.RepositoryTimeout <= 0 {
		config.RepositoryTimeout = DefaultServiceConfig().RepositoryTimeout
	}
	return &Service{
		repos:      repos,
		policy:     policy,
		aggregator: NewAggregator(filter),
		config:     config,
		metrics:    m,
	}
}

// Config returns the service configuration.
func (s *Service) Config() ServiceConfig {
	return s.config
}

// request tracks the stage of one operation.
type request struct {
	id      string
	op      string
	table   string
	started time.Time
	stage   Stage
}

func (s *Service) begin(op, table string, caller *Caller) *request {
	if table == "" {
		table = s.config.DefaultTable
	}
	r := &request{id: uuid.NewString(), op: op, table: table, started: time.Now()}
	logger.Debug("dictionary request", "request_id", r.id, "op", op, "table", table,
		"caller", caller.Identity(), "stage", StageReceived.String())
	return r
}

func (r *request) advance(stage Stage) {
	r.stage = stage
	logger.Debug("dictionary request", "request_id", r.id, "op", r.op, "stage", stage.String())
}

func (r *request) stop(stage Stage, err error) error {
	oe := &OperationError{Op: r.op, Stage: stage, After: r.stage, Err: err}
	switch {
	case stage == StageRejected:
		logger.Info("dictionary request rejected", "request_id", r.id, "op", r.op, "error", err)
	case errors.Is(err, context.Canceled):
		logger.Debug("dictionary request cancelled", "request_id", r.id, "op", r.op, "after", r.stage.String())
	default:
		logger.Error("dictionary request failed", "request_id", r.id, "op", r.op, "table", r.table,
			"after", r.stage.String(), "error", err)
	}
	return oe
}

func (s *Service) authorize(r *request, caller *Caller, op Operation) error {
	d := s.policy.Authorize(caller, op)
	if !d.Allowed {
		s.metrics.RecordForbidden(op.String())
		return r.stop(StageRejected, fmt.Errorf("%w: %s", ErrForbidden, d.Reason))
	}
	r.advance(StageAuthorized)
	return nil
}

// Authorize reports whether caller may perform op, without touching any
// table. Boundaries call it before decoding a request body so that a denied
// caller sees ErrForbidden rather than a parse error.
func (s *Service) Authorize(caller *Caller, op Operation) error {
	return s.authorize(s.begin("authorize-"+op.String(), "", caller), caller, op)
}

// DataDictionary returns the field dictionary visible to caller.
func (s *Service) DataDictionary(ctx context.Context, caller *Caller, q Query) (*Response, error) {
	return s.read(ctx, caller, "data-dictionary", OpReadDictionary, q, Scope{
		Kind:      KindData,
		DataTypes: q.DataTypes,
		FieldName: q.FieldName,
	})
}

// EdgeDictionary returns the edge dictionary visible to caller.
func (s *Service) EdgeDictionary(ctx context.Context, caller *Caller, q Query) (*Response, error) {
	return s.read(ctx, caller, "edge-dictionary", OpReadDictionary, q, Scope{
		Kind:      KindEdge,
		DataTypes: q.DataTypes,
	})
}

// Descriptions returns the described fields visible to caller, optionally
// narrowed to data types and a field name.
func (s *Service) Descriptions(ctx context.Context, caller *Caller, q Query) (*Response, error) {
	return s.read(ctx, caller, "descriptions", OpReadDescriptions, q, Scope{
		Kind:          KindData,
		DataTypes:     q.DataTypes,
		FieldName:     q.FieldName,
		DescribedOnly: true,
	})
}

func (s *Service) read(ctx context.Context, caller *Caller, name string, op Operation, q Query, scope Scope) (*Response, error) {
	r := s.begin(name, q.Table, caller)
	if err := s.authorize(r, caller, op); err != nil {
		return nil, err
	}

	resp := &Response{RequestID: r.id, Table: r.table}

	repo, err := s.repos.Repository(r.table)
	if errors.Is(err, ErrNotFound) {
		logger.Debug("unknown metadata table, returning empty dictionary", "request_id", r.id, "table", r.table)
		return s.respond(r, resp), nil
	}
	if err != nil {
		return nil, r.stop(StageFailed, err)
	}

	var raw []MetadataEntry
	err = s.call(ctx, "scan", func(ctx context.Context) error {
		var err error
		raw, err = repo.Scan(ctx, scope)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return s.respond(r, resp), nil
	}
	if err != nil {
		return nil, r.stop(StageFailed, err)
	}
	r.advance(StageFetched)

	agg, err := s.aggregator.Aggregate(ctx, raw, caller.EffectiveAuths(q.Auths), s.page(q.Page))
	if err != nil {
		return nil, r.stop(StageFailed, deadlineUnavailable(err))
	}
	for _, merr := range agg.MarkingErrors {
		logger.Warn("hiding entry with malformed marking", "request_id", r.id, "table", r.table, "error", merr)
	}
	s.metrics.RecordAggregation(scope.Kind.String(), r.table, len(agg.Result.Entries), agg.Hidden, len(agg.MarkingErrors))
	r.advance(StageAggregated)

	// A client that went away gets no response.
	if err := ctx.Err(); err != nil {
		return nil, r.stop(StageFailed, deadlineUnavailable(err))
	}

	resp.Result = agg.Result
	return s.respond(r, resp), nil
}

func (s *Service) respond(r *request, resp *Response) *Response {
	if resp.Result.Entries == nil {
		resp.Result.Entries = []DictionaryEntry{}
	}
	resp.OperationTime = time.Since(r.started)
	r.advance(StageResponded)
	return resp
}

func (s *Service) page(p Page) Page {
	if s.config.MaxPageSize > 0 && (p.Limit <= 0 || p.Limit > s.config.MaxPageSize) {
		p.Limit = s.config.MaxPageSize
	}
	return p
}

// SetDescription creates or replaces one description.
func (s *Service) SetDescription(ctx context.Context, caller *Caller, table string, m DescriptionMutation) (*WriteResponse, error) {
	return s.SetDescriptions(ctx, caller, table, []DescriptionMutation{m})
}

// SetDescriptions creates or replaces several descriptions. The caller is
// authorized and every mutation validated before the first write. Writes
// already applied are not rolled back when a later one fails.
func (s *Service) SetDescriptions(ctx context.Context, caller *Caller, table string, ms []DescriptionMutation) (*WriteResponse, error) {
	r := s.begin("set-descriptions", table, caller)
	if err := s.authorize(r, caller, OpSetDescription); err != nil {
		return nil, err
	}

	if len(ms) == 0 {
		return nil, r.stop(StageRejected, fmt.Errorf("%w: no descriptions given", ErrInvalidInput))
	}
	ms = slices.Clone(ms)
	for i := range ms {
		ms[i].DescriptionKey = ms[i].DescriptionKey.normalized()
		if err := ms[i].Validate(); err != nil {
			return nil, r.stop(StageRejected, fmt.Errorf("description %d: %w", i, err))
		}
	}

	repo, err := s.repos.Repository(r.table)
	if err != nil {
		return nil, r.stop(StageFailed, err)
	}

	resp := &WriteResponse{RequestID: r.id, Table: r.table}
	for _, m := range ms {
		err := s.write(ctx, "upsert", func(ctx context.Context) error {
			return repo.UpsertDescription(ctx, m)
		})
		if err != nil {
			return nil, r.stop(StageFailed, fmt.Errorf("set description %s/%s: %w", m.DataType, m.FieldName, err))
		}
		resp.Applied++
		logger.Info("description set", "request_id", r.id, "table", r.table, "caller", caller.Identity(),
			"data_type", m.DataType, "field", m.FieldName, "markings", m.Markings.Key())
	}
	r.advance(StageFetched)

	resp.OperationTime = time.Since(r.started)
	r.advance(StageResponded)
	return resp, nil
}

// DeleteDescription removes one description. Deleting a description that does
// not exist succeeds with Applied set to zero.
func (s *Service) DeleteDescription(ctx context.Context, caller *Caller, table string, key DescriptionKey) (*WriteResponse, error) {
	r := s.begin("delete-description", table, caller)
	if err := s.authorize(r, caller, OpDeleteDescription); err != nil {
		return nil, err
	}
	key = key.normalized()
	if err := key.Validate(); err != nil {
		return nil, r.stop(StageRejected, err)
	}

	repo, err := s.repos.Repository(r.table)
	if err != nil {
		return nil, r.stop(StageFailed, err)
	}

	resp := &WriteResponse{RequestID: r.id, Table: r.table}
	err = s.write(ctx, "delete", func(ctx context.Context) error {
		return repo.DeleteDescription(ctx, key)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Debug("description already absent", "request_id", r.id, "data_type", key.DataType, "field", key.FieldName)
	case err != nil:
		return nil, r.stop(StageFailed, fmt.Errorf("delete description %s/%s: %w", key.DataType, key.FieldName, err))
	default:
		resp.Applied = 1
		logger.Info("description deleted", "request_id", r.id, "table", r.table, "caller", caller.Identity(),
			"data_type", key.DataType, "field", key.FieldName, "markings", key.Markings.Key())
	}
	r.advance(StageFetched)

	resp.OperationTime = time.Since(r.started)
	r.advance(StageResponded)
	return resp, nil
}

// write runs fn up to WriteAttempts times while it fails with
// ErrStorageUnavailable.
func (s *Service) write(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.config.WriteAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.RecordWriteRetry(op)
			logger.Warn("retrying description write", "op", op, "attempt", attempt, "error", err)
		}
		err = s.call(ctx, op, fn)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// call runs one repository operation bounded by RepositoryTimeout and any
// deadline on ctx. Running out of time is reported as ErrStorageUnavailable;
// cancellation of ctx is returned as is.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return deadlineUnavailable(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.RepositoryTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			err = ctx.Err()
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = StorageUnavailable(fmt.Errorf("%s timed out: %w", op, err))
		}
	}

	s.metrics.RecordRepoOperation(op, errorClass(err), time.Since(start))
	return err
}

// deadlineUnavailable reports an expired request deadline as
// ErrStorageUnavailable. Other errors, cancellation included, pass through.
func deadlineUnavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return StorageUnavailable(err)
	}
	return err
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
