package flow

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"dataflow/api/pkg/config"
)

// FlowStore abstracts flow persistence for the HTTP layer.
type FlowStore interface {
	FlowRepo
	Save(ctx context.Context, f *Flow) error
}

// Service wires together the repository, execution engine and trigger adapter.
type Service struct {
	repo       FlowStore
	engine     *Engine
	triggers   *TriggerAdapter
	validate   *validator.Validate
	runTimeout time.Duration
}

// NewService creates a Service backed by PostgreSQL for flows, records and pages.
func NewService(pool *pgxpool.Pool, cfg config.FlowConfig) (*Service, error) {
	store := NewPostgresStore(pool)
	engine, err := NewEngine(NewRegistry(), store, store, WithMaxSteps(cfg.MaxSteps))
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return newService(NewRepository(pool), engine, cfg), nil
}

func newService(repo FlowStore, engine *Engine, cfg config.FlowConfig) *Service {
	return &Service{
		repo:       repo,
		engine:     engine,
		triggers:   NewTriggerAdapter(repo, engine, cfg.CacheTTL),
		validate:   newValidator(),
		runTimeout: cfg.RunTimeout,
	}
}

// newValidator reports validation failures by JSON field name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers flow and trigger HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/flows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetFlow).Methods("GET")
	router.HandleFunc("/{id}", s.HandlePutFlow).Methods("PUT")
	router.HandleFunc("/{id}/execute", s.HandleExecuteFlow).Methods("POST")

	parentRouter.Handle("/triggers", jsonMiddleware(http.HandlerFunc(s.HandleTrigger))).Methods("POST")
}
