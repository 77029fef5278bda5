package flags

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/cespare/xxhash/v2"
)

// Bucket maps (userID, flagKey) to a stable value in [0,100).
func Bucket(userID, flagKey string) int {
	return int(xxhash.Sum64String(userID+":"+flagKey) % 100)
}

// evaluate applies the targeting rules of one flag. Order: disabled/expired,
// allowlist, list filters, percentage.
func evaluate(flag *model.FeatureFlag, userID string, ectx model.EvaluationContext, now time.Time) (bool, string) {
	if flag == nil {
		return false, "missing"
	}
	if !flag.Enabled {
		return false, "disabled"
	}
	if flag.ExpiresAt != nil && !now.Before(*flag.ExpiresAt) {
		return false, "expired"
	}
	if userID != "" && slices.Contains(flag.Targeting.UserIDs, userID) {
		return true, "allowlist"
	}

	t := flag.Targeting
	if len(t.Groups) > 0 && !anyMatch(t.Groups, ectx.Groups) {
		return false, "group"
	}
	if len(t.Countries) > 0 && !containsFold(t.Countries, ectx.Country) {
		return false, "country"
	}
	if len(t.Platforms) > 0 && !containsFold(t.Platforms, ectx.Platform) {
		return false, "platform"
	}

	if t.Percentage == nil {
		return true, "default"
	}
	if Bucket(userID, flag.Key) < *t.Percentage {
		return true, "percentage"
	}
	return false, "percentage"
}

// pickVariant selects a weighted variant using the same bucket as the
// percentage rule so a user keeps their variant while weights are unchanged.
func pickVariant(flag *model.FeatureFlag, userID string) (model.FlagVariant, bool) {
	if len(flag.Variants) == 0 {
		return model.FlagVariant{}, false
	}
	total := 0
	for _, v := range flag.Variants {
		total += v.Weight
	}
	if total == 0 {
		return model.FlagVariant{}, false
	}

	point := int(xxhash.Sum64String(fmt.Sprintf("%s:%s:variant", userID, flag.Key)) % uint64(total))
	cumulative := 0
	for _, v := range flag.Variants {
		cumulative += v.Weight
		if point < cumulative {
			return v, true
		}
	}
	return flag.Variants[len(flag.Variants)-1], true
}

func anyMatch(want, have []string) bool {
	for _, h := range have {
		if containsFold(want, h) {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
