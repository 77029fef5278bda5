package flags

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	evaluationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_flag_evaluations_total",
		Help: "Feature flag evaluations by flag key, result and deciding rule",
	}, []string{"flag", "result", "rule"})

	registerMetrics sync.Once
)

// Store holds feature flags keyed by Key. Writes are serialized, evaluation
// only takes the read lock.
type Store struct {
	mu       sync.RWMutex
	flags    map[string]*model.FeatureFlag
	clock    clock.PassiveClock
	validate *validator.Validate
}

func NewStore(clk clock.PassiveClock) *Store {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(evaluationsCounter)
	})
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		flags:    make(map[string]*model.FeatureFlag),
		clock:    clk,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Store) Create(ctx context.Context, flag model.FeatureFlag) (*model.FeatureFlag, error) {
	logger := log.FromContext(ctx)

	if err := s.check(&flag); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flags[flag.Key]; exists {
		return nil, fmt.Errorf("feature flag %q: %w", flag.Key, model.ErrAlreadyExists)
	}

	stored := flag.DeepCopy()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := s.clock.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.flags[stored.Key] = stored

	logger.Info("Feature flag created", "key", stored.Key, "enabled", stored.Enabled)
	return stored.DeepCopy(), nil
}

// Register creates flag unless its key is already taken, in which case the
// existing flag is kept and created is false.
func (s *Store) Register(ctx context.Context, flag model.FeatureFlag) (created bool, err error) {
	if _, err := s.Create(ctx, flag); err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Validate applies the checks Create would, without storing anything.
func (s *Store) Validate(flag model.FeatureFlag) error {
	return s.check(&flag)
}

func (s *Store) Get(key string) (*model.FeatureFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flag, ok := s.flags[key]
	if !ok {
		return nil, fmt.Errorf("feature flag %q: %w", key, model.ErrFlagNotFound)
	}
	return flag.DeepCopy(), nil
}

func (s *Store) List() []model.FeatureFlag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FeatureFlag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, *f.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Toggle flips Enabled and returns the updated flag.
func (s *Store) Toggle(ctx context.Context, key string) (*model.FeatureFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.flags[key]
	if !ok {
		return nil, fmt.Errorf("feature flag %q: %w", key, model.ErrFlagNotFound)
	}
	flag.Enabled = !flag.Enabled
	flag.UpdatedAt = s.clock.Now().UTC()

	log.FromContext(ctx).Info("Feature flag toggled", "key", key, "enabled", flag.Enabled)
	return flag.DeepCopy(), nil
}

// Update replaces the mutable fields of a flag. ID, Key and CreatedAt are kept.
func (s *Store) Update(ctx context.Context, key string, update model.FeatureFlag) (*model.FeatureFlag, error) {
	update.Key = key
	if err := s.check(&update); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.flags[key]
	if !ok {
		return nil, fmt.Errorf("feature flag %q: %w", key, model.ErrFlagNotFound)
	}

	next := update.DeepCopy()
	next.ID = existing.ID
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = s.clock.Now().UTC()
	s.flags[key] = next

	log.FromContext(ctx).Info("Feature flag updated", "key", key, "enabled", next.Enabled)
	return next.DeepCopy(), nil
}

// Delete removes a flag permanently.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[key]; !ok {
		return fmt.Errorf("feature flag %q: %w", key, model.ErrFlagNotFound)
	}
	delete(s.flags, key)
	log.FromContext(ctx).Info("Feature flag deleted", "key", key)
	return nil
}

// Evaluate reports whether the flag is on for userID. Missing flags are off.
func (s *Store) Evaluate(key, userID string, ectx model.EvaluationContext) bool {
	s.mu.RLock()
	flag := s.flags[key]
	result, rule := evaluate(flag, userID, ectx, s.clock.Now())
	s.mu.RUnlock()

	if flag != nil {
		evaluationsCounter.WithLabelValues(key, strconv.FormatBool(result), rule).Inc()
	}
	return result
}

// Variant returns the weighted variant for userID when the flag is on for them.
func (s *Store) Variant(key, userID string, ectx model.EvaluationContext) (model.FlagVariant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flag := s.flags[key]
	if on, _ := evaluate(flag, userID, ectx, s.clock.Now()); !on {
		return model.FlagVariant{}, false
	}
	return pickVariant(flag, userID)
}

func (s *Store) check(flag *model.FeatureFlag) error {
	if err := s.validate.Struct(flag); err != nil {
		return fmt.Errorf("%w: feature flag %q: %v", model.ErrInvalidConfig, flag.Key, err)
	}
	if len(flag.Variants) > 0 {
		total := 0
		seen := make(map[string]bool, len(flag.Variants))
		for _, v := range flag.Variants {
			if seen[v.Key] {
				return fmt.Errorf("%w: feature flag %q: duplicate variant %q", model.ErrInvalidConfig, flag.Key, v.Key)
			}
			seen[v.Key] = true
			total += v.Weight
		}
		if total != 100 {
			return fmt.Errorf("%w: feature flag %q: variant weights sum to %d, want 100", model.ErrInvalidConfig, flag.Key, total)
		}
	}
	return nil
}
