// Package services holds the orchestration layer: every operation that reads
// or writes more than one entity goes through here.
package services

import (
	"context"
	"time"

	"famledger/internal/amqp"
	"famledger/internal/gateway"
	"famledger/internal/log"
	"famledger/internal/metrics"
)

const defaultGatewayTimeout = 5 * time.Second

// EventPublisher is satisfied by *amqp.Client.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, ev amqp.LedgerEvent) error
}

// Deps are the collaborators shared by all services. Only Gateway is
// required.
type Deps struct {
	Gateway gateway.Gateway
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Events  EventPublisher
	Now     func() time.Time
	// GatewayTimeout bounds each gateway call made by a payment step.
	GatewayTimeout time.Duration
}

func (d Deps) withDefaults(component string) Deps {
	if d.Logger == nil {
		d.Logger = log.Discard()
	}
	d.Logger = d.Logger.WithComponent(component)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.GatewayTimeout <= 0 {
		d.GatewayTimeout = defaultGatewayTimeout
	}
	return d
}

// publish sends ev when a publisher is configured. Failures are logged and
// never fail the request; the ledger write has already happened.
func (d Deps) publish(ctx context.Context, ev *amqp.LedgerEvent) {
	if d.Events == nil {
		d.Logger.DebugContext(ctx, "No event publisher configured, skipping ledger event", "type", ev.Type)
		return
	}
	ev.Timestamp = d.Now().UTC()
	if err := d.Events.PublishLedgerEvent(ctx, *ev); err != nil {
		d.Logger.WarnContext(ctx, "Failed to publish ledger event",
			log.FieldError, err,
			"type", ev.Type,
			log.FieldFamilyID, ev.FamilyID,
			log.FieldAccountID, ev.AccountID)
	}
}
