package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/workflow"
)

// Controller is the part of the workflow remote subscribers may drive.
type Controller interface {
	Cancel() bool
	Restart() error
}

// NATSPublisher publishes snapshots on <prefix>.workflow.<id>.state and accepts
// control commands on <prefix>.workflow.<id>.control.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "flash"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// StateSubject returns the subject snapshots of workflow id are published on.
func StateSubject(prefix, id string) string {
	return fmt.Sprintf("%s.workflow.%s.state", prefix, id)
}

// ControlSubject returns the subject control commands for workflow id are read from.
func ControlSubject(prefix, id string) string {
	return fmt.Sprintf("%s.workflow.%s.control", prefix, id)
}

// Publish sends the snapshot without waiting for the server.
func (p *NATSPublisher) Publish(snap workflow.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot for NATS")
		return
	}

	subject := StateSubject(p.prefix, snap.ID.String())
	if err := p.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish snapshot")
	}
}

type controlMessage struct {
	Command string `json:"command"`
}

// ServeControl handles control commands for one workflow until ctx ends.
func (p *NATSPublisher) ServeControl(ctx context.Context, id string, ctl Controller) error {
	subject := ControlSubject(p.prefix, id)

	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := handleControl(msg.Data, ctl)
		if msg.Reply != "" {
			msg.Respond([]byte(reply))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	log.Info().Str("subject", subject).Msg("NATS control subscriber started")

	<-ctx.Done()
	sub.Unsubscribe()
	return ctx.Err()
}

func handleControl(data []byte, ctl Controller) string {
	var cmd controlMessage
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal control command")
		return "error: invalid command"
	}

	log.Info().Str("command", cmd.Command).Msg("Received control command")

	switch cmd.Command {
	case "cancel":
		if !ctl.Cancel() {
			return "error: nothing to cancel"
		}
		return "ok"
	case "restart":
		if err := ctl.Restart(); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	default:
		return fmt.Sprintf("error: unknown command %q", cmd.Command)
	}
}
