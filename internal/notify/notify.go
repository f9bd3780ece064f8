// Package notify fans workflow snapshots out to NATS, MQTT and webhook subscribers.
package notify

import (
	"github.com/tonieflash/flash-console/internal/workflow"
)

// Multi publishes to every notifier in order.
type Multi []workflow.Notifier

func (m Multi) Publish(snap workflow.Snapshot) {
	for _, n := range m {
		n.Publish(snap)
	}
}

// Func adapts a function to workflow.Notifier.
type Func func(snap workflow.Snapshot)

func (f Func) Publish(snap workflow.Snapshot) {
	f(snap)
}
