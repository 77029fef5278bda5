package hooks

import (
	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Dispatcher fans events out to the per-event and the batched queue. A full
// queue drops the event rather than stalling a deployment.
type Dispatcher struct {
	queues []chan<- model.EventMessage
	logger logr.Logger
}

// NewDispatcher ignores nil channels.
func NewDispatcher(queues ...chan<- model.EventMessage) *Dispatcher {
	d := &Dispatcher{logger: log.Log.WithName("dispatcher")}
	for _, q := range queues {
		if q != nil {
			d.queues = append(d.queues, q)
		}
	}
	return d
}

func (d *Dispatcher) Send(msg model.EventMessage) {
	for i, q := range d.queues {
		select {
		case q <- msg:
		default:
			d.logger.Info("Event queue full, dropping event",
				"queue", i,
				"deploymentID", msg.DeploymentID,
				"eventID", msg.Event.ID,
			)
		}
	}
}
