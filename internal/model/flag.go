package model

import "time"

// FeatureFlag is a named gate evaluated per user, independent of rollouts.
type FeatureFlag struct {
	ID          string        `json:"id"`
	Key         string        `json:"key" validate:"required"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Targeting   FlagTargeting `json:"targeting"`
	Variants    []FlagVariant `json:"variants,omitempty" validate:"dive"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// FlagTargeting rules. A nil Percentage admits every user that passes the
// list filters; an empty list does not filter.
type FlagTargeting struct {
	Percentage *int     `json:"percentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	UserIDs    []string `json:"userIds,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	Countries  []string `json:"countries,omitempty"`
	Platforms  []string `json:"platforms,omitempty"`
}

type FlagVariant struct {
	Key     string         `json:"key" validate:"required"`
	Weight  int            `json:"weight" validate:"gte=0,lte=100"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EvaluationContext carries the caller attributes matched against targeting lists.
type EvaluationContext struct {
	Groups     []string          `json:"groups,omitempty"`
	Country    string            `json:"country,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DeepCopy returns a copy that shares no slices, maps or pointers with f.
func (f *FeatureFlag) DeepCopy() *FeatureFlag {
	if f == nil {
		return nil
	}
	out := *f
	if f.Targeting.Percentage != nil {
		p := *f.Targeting.Percentage
		out.Targeting.Percentage = &p
	}
	out.Targeting.UserIDs = append([]string(nil), f.Targeting.UserIDs...)
	out.Targeting.Groups = append([]string(nil), f.Targeting.Groups...)
	out.Targeting.Countries = append([]string(nil), f.Targeting.Countries...)
	out.Targeting.Platforms = append([]string(nil), f.Targeting.Platforms...)
	if f.Variants != nil {
		out.Variants = make([]FlagVariant, len(f.Variants))
		for i, v := range f.Variants {
			out.Variants[i] = v
			if v.Payload != nil {
				out.Variants[i].Payload = make(map[string]any, len(v.Payload))
				for k, val := range v.Payload {
					out.Variants[i].Payload[k] = val
				}
			}
		}
	}
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Percent is a helper for building targeting rules.
func Percent(p int) *int {
	return &p
}
