package types

import "time"

// Event is one item of the dispatch event stream. The concrete types are
// NewOffer, OfferTaken, ConnectionLost and ConnectionRestored.
type Event interface {
	eventName() string
}

// NewOffer carries a freshly broadcast job offer.
type NewOffer struct {
	Offer JobOffer
}

// OfferTaken reports that the server assigned an offer to a mechanic.
type OfferTaken struct {
	JobID      JobID
	Winner     Mechanic
	ETAMinutes *int
	TakenAt    *time.Time
}

// ConnectionLost is emitted when an established stream drops.
type ConnectionLost struct {
	Err error
}

// ConnectionRestored is emitted each time the stream (re)connects.
type ConnectionRestored struct {
	Attempt int
}

func (NewOffer) eventName() string           { return "new_job" }
func (OfferTaken) eventName() string         { return "job_taken" }
func (ConnectionLost) eventName() string     { return "connection_lost" }
func (ConnectionRestored) eventName() string { return "connection_restored" }

// EventName returns the wire or lifecycle name of an event, for logging.
func EventName(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventName()
}

// NotificationKind classifies a user-facing notice.
type NotificationKind string

const (
	NotifyNewOffer    NotificationKind = "new_offer"
	NotifyWon         NotificationKind = "won"
	NotifyLost        NotificationKind = "lost"
	NotifyExpired     NotificationKind = "expired"
	NotifyRejected    NotificationKind = "rejected"
	NotifyError       NotificationKind = "error"
	NotifyInvalidated NotificationKind = "invalidated"
	NotifyCompleted   NotificationKind = "completed"
)

// Terminal reports whether the kind resolves an offer or assignment.
func (k NotificationKind) Terminal() bool {
	switch k {
	case NotifyNewOffer:
		return false
	}
	return true
}

// Notification is delivered once per terminal outcome (and once per new offer).
type Notification struct {
	Kind    NotificationKind
	JobID   JobID
	Message string
	Winner  *Mechanic
	Err     error
	At      time.Time
}

// Phase is the controller's lifecycle state as seen by a UI.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseOfferPending Phase = "offer_pending"
	PhaseClaiming     Phase = "claiming"
	PhaseAssigned     Phase = "assigned"
)

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	Phase      Phase           `json:"phase"`
	Offer      *JobOffer       `json:"offer,omitempty"`
	Assignment *Assignment     `json:"assignment,omitempty"`
	Connection ConnectionState `json:"connection"`
	Claiming   bool            `json:"claiming"`
	Pending    int             `json:"pending_claims"`
	Advancing  bool            `json:"advancing"`
	Available  bool            `json:"available"`
	Remaining  time.Duration   `json:"remaining"`
}
