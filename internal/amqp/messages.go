package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	// EventPaymentApplied follows a debt payment whose steps all committed.
	EventPaymentApplied EventType = "payment_applied"
	// EventPaymentPartial follows a payment that stopped after some steps
	// committed. Consumers treat it as a reconcile request for the account.
	EventPaymentPartial EventType = "payment_partial"
	// EventReconcileRequested asks for an account, or a whole family when
	// AccountID is empty, to be reconciled against its history.
	EventReconcileRequested EventType = "reconcile_requested"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventPaymentApplied, EventPaymentPartial, EventReconcileRequested:
		return true
	}
	return false
}

// LedgerEvent is a lightweight notification; consumers re-read the entities
// it names from the store.
type LedgerEvent struct {
	Type          EventType `json:"type"`
	FamilyID      string    `json:"family_id"`
	AccountID     string    `json:"account_id,omitempty"`
	DebtID        string    `json:"debt_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	IntentKey     string    `json:"intent_key,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewLedgerEvent(eventType EventType, familyID, accountID string) *LedgerEvent {
	return &LedgerEvent{
		Type:      eventType,
		FamilyID:  familyID,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
	}
}

// NeedsReconcile reports whether handling the event means checking balances.
func (e *LedgerEvent) NeedsReconcile() bool {
	return e.Type == EventPaymentPartial || e.Type == EventReconcileRequested
}

func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LedgerEventFromJSON decodes and checks an event body.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var ev LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if !ev.Type.IsValid() {
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.FamilyID == "" {
		return nil, fmt.Errorf("event %s has no family_id", ev.Type)
	}
	return &ev, nil
}
