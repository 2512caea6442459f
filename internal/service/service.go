package service

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/archetype/internal/adapter/ingress"
	"github.com/xiaot623/archetype/internal/config"
	"github.com/xiaot623/archetype/internal/engine"
	"github.com/xiaot623/archetype/internal/metrics"
	"github.com/xiaot623/archetype/internal/policy"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/tools"
	"github.com/xiaot623/archetype/internal/truncate"
)

// Validation errors surfaced to callers as bad requests.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRunBusy        = errors.New("run is already being driven")
	ErrToolNotFound   = errors.New("tool not found")
)

// Notifier pushes events to the clients connected to a session.
type Notifier interface {
	PushEvent(ctx context.Context, sessionID string, event ingress.Event) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Registry  *tools.Registry
	Truncator *truncate.Truncator
	Policy    *policy.Engine
	Notifier  Notifier
}

type Service struct {
	store     store.Store
	engine    *engine.Engine
	registry  *tools.Registry
	truncator *truncate.Truncator
	policy    *policy.Engine
	notifier  Notifier
	config    *config.Config
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// validators holds one workflow validator per live run.
	validators sync.Map // run_id -> *workflow.Validator
	// active holds the cancel func of runs currently driven by Chat.
	active sync.Map // run_id -> context.CancelFunc
}

// New creates the service and registers the workflow confirmation tools on
// the registry.
func New(deps Deps, cfg *config.Config) (*Service, error) {
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}
	if deps.Truncator == nil {
		deps.Truncator = truncate.New(truncate.DefaultBudgets())
	}
	s := &Service{
		store:     deps.Store,
		engine:    deps.Engine,
		registry:  deps.Registry,
		truncator: deps.Truncator,
		policy:    deps.Policy,
		notifier:  deps.Notifier,
		config:    cfg,
		metrics:   metrics.Get(),
		tracer:    otel.Tracer("github.com/xiaot623/archetype/internal/service"),
	}
	if err := s.registerWorkflowTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// Registry returns the tool registry.
func (s *Service) Registry() *tools.Registry {
	return s.registry
}
