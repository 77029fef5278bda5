package hooks

import (
	"slices"

	"github.com/apptrail-sh/orchestrator/internal/model"
)

// TargetsFor returns the per-config notification targets of the given kind
// that accept the event's severity. A target without OnlyOn accepts
// everything.
func TargetsFor(msg model.EventMessage, kind model.NotificationKind) []model.NotificationTarget {
	var out []model.NotificationTarget
	for _, target := range msg.Notifications {
		if target.Kind != kind {
			continue
		}
		if len(target.OnlyOn) > 0 && !slices.Contains(target.OnlyOn, msg.Event.Severity) {
			continue
		}
		out = append(out, target)
	}
	return out
}
