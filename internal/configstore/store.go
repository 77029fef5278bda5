package configstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// FlagRegistry receives the feature flags declared inside a config.
type FlagRegistry interface {
	Validate(flag model.FeatureFlag) error
	Register(ctx context.Context, flag model.FeatureFlag) (bool, error)
}

type Option func(*Store)

// WithFlagRegistry registers each config's embedded flags on Create. Keys
// that already exist keep their current definition.
func WithFlagRegistry(r FlagRegistry) Option {
	return func(s *Store) { s.flags = r }
}

// Store holds validated deployment configs. Stored configs are never
// mutated; callers always receive copies.
type Store struct {
	mu        sync.RWMutex
	configs   map[string]*model.DeploymentConfig
	validator *Validator
	clock     clock.PassiveClock
	flags     FlagRegistry
}

func NewStore(clk clock.PassiveClock, opts ...Option) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Store{
		configs:   make(map[string]*model.DeploymentConfig),
		validator: NewValidator(),
		clock:     clk,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores cfg. An empty ID is replaced by a fresh UUID.
func (s *Store) Create(ctx context.Context, cfg model.DeploymentConfig) (*model.DeploymentConfig, error) {
	logger := log.FromContext(ctx)

	stored := cfg.DeepCopy()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if err := s.validator.Validate(stored); err != nil {
		return nil, fmt.Errorf("deployment config %q: %w", stored.ID, err)
	}
	if err := s.checkFlags(stored); err != nil {
		return nil, fmt.Errorf("deployment config %q: %w", stored.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[stored.ID]; exists {
		return nil, fmt.Errorf("deployment config %q: %w", stored.ID, model.ErrAlreadyExists)
	}
	stored.CreatedAt = s.clock.Now().UTC()
	s.configs[stored.ID] = stored
	s.registerFlags(ctx, stored)

	logger.Info("Deployment config created",
		"configID", stored.ID,
		"application", stored.Application.Name,
		"version", stored.Application.Version,
		"strategy", stored.Strategy,
		"environment", stored.Environment,
	)
	return stored.DeepCopy(), nil
}

func (s *Store) Get(id string) (*model.DeploymentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("deployment config %q: %w", id, model.ErrConfigNotFound)
	}
	return cfg.DeepCopy(), nil
}

func (s *Store) List() []model.DeploymentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeploymentConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) checkFlags(cfg *model.DeploymentConfig) error {
	seen := make(map[string]bool, len(cfg.FeatureFlags))
	for _, flag := range cfg.FeatureFlags {
		if seen[flag.Key] {
			return fmt.Errorf("%w: duplicate feature flag %q", model.ErrInvalidConfig, flag.Key)
		}
		seen[flag.Key] = true
		if s.flags == nil {
			continue
		}
		if err := s.flags.Validate(flag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) registerFlags(ctx context.Context, cfg *model.DeploymentConfig) {
	if s.flags == nil {
		return
	}
	logger := log.FromContext(ctx)
	for _, flag := range cfg.FeatureFlags {
		created, err := s.flags.Register(ctx, *flag.DeepCopy())
		if err != nil {
			logger.Error(err, "Failed to register feature flag", "configID", cfg.ID, "key", flag.Key)
			continue
		}
		if !created {
			logger.V(1).Info("Feature flag already registered", "configID", cfg.ID, "key", flag.Key)
		}
	}
}
