package flags

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestStore(t *testing.T) (*Store, *testingclock.FakePassiveClock) {
	t.Helper()
	clk := testingclock.NewFakePassiveClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewStore(clk), clk
}

func TestEvaluate_AllowlistBeatsPercentage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, model.FeatureFlag{
		Key:     "new-checkout",
		Enabled: true,
		Targeting: model.FlagTargeting{
			Percentage: model.Percent(0),
			UserIDs:    []string{"u1"},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !s.Evaluate("new-checkout", "u1", model.EvaluationContext{}) {
		t.Error("Expected allowlisted user u1 to be enabled")
	}
	if s.Evaluate("new-checkout", "u2", model.EvaluationContext{}) {
		t.Error("Expected u2 to be disabled at 0%")
	}
}

func TestEvaluate_MissingAndDisabled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if s.Evaluate("does-not-exist", "u1", model.EvaluationContext{}) {
		t.Error("Expected missing flag to evaluate false")
	}

	_, err := s.Create(ctx, model.FeatureFlag{
		Key:       "dark-mode",
		Enabled:   false,
		Targeting: model.FlagTargeting{UserIDs: []string{"u1"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s.Evaluate("dark-mode", "u1", model.EvaluationContext{}) {
		t.Error("Expected disabled flag to evaluate false even for allowlisted user")
	}

	if _, err := s.Toggle(ctx, "dark-mode"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !s.Evaluate("dark-mode", "u1", model.EvaluationContext{}) {
		t.Error("Expected toggled flag to evaluate true")
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), model.FeatureFlag{
		Key:       "search-v2",
		Enabled:   true,
		Targeting: model.FlagTargeting{Percentage: model.Percent(37)},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("user-%d", i)
		first := s.Evaluate("search-v2", userID, model.EvaluationContext{})
		for j := 0; j < 5; j++ {
			if got := s.Evaluate("search-v2", userID, model.EvaluationContext{}); got != first {
				t.Fatalf("Evaluation flickered for %s: %v then %v", userID, first, got)
			}
		}
		if want := Bucket(userID, "search-v2") < 37; first != want {
			t.Fatalf("Expected %v for %s, got %v", want, userID, first)
		}
	}
}

func TestEvaluate_PercentageDistribution(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), model.FeatureFlag{
		Key:       "half",
		Enabled:   true,
		Targeting: model.FlagTargeting{Percentage: model.Percent(50)},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	const users = 10000
	enabled := 0
	for i := 0; i < users; i++ {
		if s.Evaluate("half", fmt.Sprintf("user-%d", i), model.EvaluationContext{}) {
			enabled++
		}
	}

	ratio := float64(enabled) / users
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("Expected roughly 50%% enabled, got %.3f", ratio)
	}
}

func TestEvaluate_ListTargeting(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), model.FeatureFlag{
		Key:     "beta-ios",
		Enabled: true,
		Targeting: model.FlagTargeting{
			Groups:    []string{"beta"},
			Countries: []string{"DE", "FR"},
			Platforms: []string{"ios"},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name     string
		ectx     model.EvaluationContext
		expected bool
	}{
		{
			name:     "all lists match",
			ectx:     model.EvaluationContext{Groups: []string{"staff", "beta"}, Country: "de", Platform: "iOS"},
			expected: true,
		},
		{
			name:     "group missing",
			ectx:     model.EvaluationContext{Groups: []string{"staff"}, Country: "DE", Platform: "ios"},
			expected: false,
		},
		{
			name:     "country mismatch",
			ectx:     model.EvaluationContext{Groups: []string{"beta"}, Country: "US", Platform: "ios"},
			expected: false,
		},
		{
			name:     "platform empty",
			ectx:     model.EvaluationContext{Groups: []string{"beta"}, Country: "FR"},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Evaluate("beta-ios", "u1", tt.ectx); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvaluate_Expiry(t *testing.T) {
	s, clk := newTestStore(t)
	expires := clk.Now().Add(time.Hour)
	_, err := s.Create(context.Background(), model.FeatureFlag{
		Key:       "launch-banner",
		Enabled:   true,
		ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !s.Evaluate("launch-banner", "u1", model.EvaluationContext{}) {
		t.Error("Expected flag to be on before expiry")
	}

	clk.SetTime(expires)
	if s.Evaluate("launch-banner", "u1", model.EvaluationContext{}) {
		t.Error("Expected flag to be off at expiry")
	}
}

func TestVariant_WeightedAndStable(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), model.FeatureFlag{
		Key:     "pricing-page",
		Enabled: true,
		Variants: []model.FlagVariant{
			{Key: "control", Weight: 50},
			{Key: "treatment", Weight: 50},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		userID := fmt.Sprintf("user-%d", i)
		v, ok := s.Variant("pricing-page", userID, model.EvaluationContext{})
		if !ok {
			t.Fatalf("Expected a variant for %s", userID)
		}
		again, _ := s.Variant("pricing-page", userID, model.EvaluationContext{})
		if again.Key != v.Key {
			t.Fatalf("Variant flickered for %s: %s then %s", userID, v.Key, again.Key)
		}
		counts[v.Key]++
	}

	if counts["control"] < 800 || counts["treatment"] < 800 {
		t.Errorf("Expected both variants to receive traffic, got %v", counts)
	}
}

func TestStore_CreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		flag model.FeatureFlag
	}{
		{name: "missing key", flag: model.FeatureFlag{Enabled: true}},
		{name: "percentage above 100", flag: model.FeatureFlag{Key: "a", Targeting: model.FlagTargeting{Percentage: model.Percent(120)}}},
		{name: "weights do not sum to 100", flag: model.FeatureFlag{Key: "b", Variants: []model.FlagVariant{{Key: "x", Weight: 30}, {Key: "y", Weight: 30}}}},
		{name: "duplicate variant", flag: model.FeatureFlag{Key: "c", Variants: []model.FlagVariant{{Key: "x", Weight: 50}, {Key: "x", Weight: 50}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.flag)
			if !errors.Is(err, model.ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got: %v", err)
			}
		})
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.FeatureFlag{Key: "k", Enabled: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected generated ID")
	}

	if _, err := s.Create(ctx, model.FeatureFlag{Key: "k"}); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got: %v", err)
	}

	clk.SetTime(clk.Now().Add(time.Minute))
	updated, err := s.Update(ctx, "k", model.FeatureFlag{
		Enabled:   true,
		Targeting: model.FlagTargeting{Percentage: model.Percent(10)},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if updated.ID != created.ID || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Error("Expected ID and CreatedAt to be preserved on update")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Error("Expected UpdatedAt to advance")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, model.ErrFlagNotFound) {
		t.Errorf("Expected ErrFlagNotFound after delete, got: %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, model.ErrFlagNotFound) {
		t.Errorf("Expected ErrFlagNotFound on second delete, got: %v", err)
	}
}

func TestStore_RegisterKeepsExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Register(ctx, model.FeatureFlag{Key: "beta", Enabled: true})
	if err != nil || !created {
		t.Fatalf("Expected beta to be created, got created=%v err=%v", created, err)
	}

	created, err = s.Register(ctx, model.FeatureFlag{Key: "beta", Enabled: false})
	if err != nil || created {
		t.Fatalf("Expected existing beta to be kept, got created=%v err=%v", created, err)
	}
	if got, _ := s.Get("beta"); !got.Enabled {
		t.Error("Expected Register not to overwrite the existing flag")
	}

	invalid := model.FeatureFlag{Key: "split", Variants: []model.FlagVariant{{Key: "a", Weight: 40}}}
	if err := s.Validate(invalid); !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig from Validate, got: %v", err)
	}
	if _, err := s.Register(ctx, invalid); !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig from Register, got: %v", err)
	}
}
