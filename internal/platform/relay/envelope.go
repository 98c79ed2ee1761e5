// Package relay carries notification envelopes between server instances over
// a single shared pub/sub channel. Delivery is at-most-once: envelopes
// published while a subscriber is disconnected are not replayed.
package relay

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EnvelopeType discriminates relay envelopes.
type EnvelopeType string

const (
	TypeNewNotification EnvelopeType = "new_notification"
	TypeCountUpdate     EnvelopeType = "count_update"
	TypeMarkRead        EnvelopeType = "mark_read"
)

func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeNewNotification, TypeCountUpdate, TypeMarkRead:
		return true
	}
	return false
}

// Envelope is the unit exchanged on the relay channel. Every envelope targets
// one user within one tenant.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	TenantID string          `json:"tenantId"`
	UserID   string          `json:"userId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// CountData is the payload of a count_update envelope.
type CountData struct {
	Count int64 `json:"count"`
}

// MarkReadData is the payload of a mark_read envelope. NotificationID is empty
// when All is set.
type MarkReadData struct {
	NotificationID string `json:"notificationId,omitempty"`
	All            bool   `json:"all"`
}

func (e Envelope) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.TenantID == "" || e.UserID == "" {
		return fmt.Errorf("envelope %s: tenantId and userId are required", e.Type)
	}
	return nil
}
