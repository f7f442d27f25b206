// Package types defines the domain model shared by the dispatch client:
// job offers, assignments, claim attempts and the connection state.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobID identifies an offer and, once claimed, its assignment.
// The wire carries it as a JSON number or string; both decode to the same ID.
type JobID string

// MechanicID identifies a mechanic. Same wire rules as JobID.
type MechanicID string

func (id JobID) MarshalJSON() ([]byte, error)       { return marshalID(string(id)) }
func (id *JobID) UnmarshalJSON(b []byte) error      { return unmarshalID(b, (*string)(id)) }
func (id MechanicID) MarshalJSON() ([]byte, error)  { return marshalID(string(id)) }
func (id *MechanicID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*string)(id)) }

// numeric IDs go back out as numbers so the backend sees what it sent
func marshalID(s string) ([]byte, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func unmarshalID(b []byte, dst *string) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*dst = ""
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, dst)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*dst = n.String()
	return nil
}

// AssignmentStatus is the lifecycle status of a job owned by this client.
type AssignmentStatus string

const (
	StatusPending   AssignmentStatus = "pending"
	StatusAccepted  AssignmentStatus = "accepted"
	StatusOnTheWay  AssignmentStatus = "on_the_way"
	StatusArrived   AssignmentStatus = "arrived"
	StatusCompleted AssignmentStatus = "completed"
	StatusRejected  AssignmentStatus = "rejected"
)

// AttachmentType is the media kind of a customer attachment.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
)

// Attachment is a customer-supplied file describing the problem.
type Attachment struct {
	ID        string         `json:"id"`
	Type      AttachmentType `json:"type"`
	URL       string         `json:"url"`
	Filename  string         `json:"filename,omitempty"`
	MimeType  string         `json:"mime_type,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// Job is the backend's job record. The dispatch core treats everything but
// ID, Status and CreatedAt as opaque payload.
type Job struct {
	ID                 JobID            `json:"id"`
	VehicleType        string           `json:"vehicle_type"`
	ProblemDescription string           `json:"problem_description"`
	Attachments        []Attachment     `json:"attachments,omitempty"`
	CustomerLocation   string           `json:"customer_location"`
	CustomerLatitude   *float64         `json:"customer_latitude"`
	CustomerLongitude  *float64         `json:"customer_longitude"`
	Status             AssignmentStatus `json:"status"`
	CreatedAt          string           `json:"created_at,omitempty"`
}

// JobOffer is a broadcast proposal not yet owned by anyone.
type JobOffer struct {
	ID        JobID     `json:"id"`
	Payload   Job       `json:"payload"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the offer is past its deadline at now.
func (o *JobOffer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Assignment is a job this client won.
type Assignment struct {
	ID         JobID            `json:"id"`
	Status     AssignmentStatus `json:"status"`
	Job        Job              `json:"job"`
	AcceptedAt time.Time        `json:"accepted_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ClaimOutcome is the state of an optimistic accept.
type ClaimOutcome string

const (
	ClaimPending ClaimOutcome = "pending"
	ClaimWon     ClaimOutcome = "won"
	ClaimLost    ClaimOutcome = "lost"
	ClaimErrored ClaimOutcome = "errored"
)

// ClaimAttempt is an in-flight accept for one offer.
type ClaimAttempt struct {
	OfferID   JobID
	StartedAt time.Time
	Outcome   ClaimOutcome
}

// ClearReason says why an offer left the store.
type ClearReason string

const (
	ReasonExpired      ClearReason = "expired"
	ReasonTakenByOther ClearReason = "taken-by-other"
	ReasonAccepted     ClearReason = "accepted"
	ReasonRejected     ClearReason = "rejected"
	ReasonClaimFailed  ClearReason = "claim-failed" // accept call failed; the offer is not retried
)

// ConnState is the transport's connection status.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
)

// ConnectionState is the process-wide view of the event stream.
type ConnectionState struct {
	State      ConnState `json:"state"`
	RetryCount int       `json:"retry_count"`
}

// Mechanic is the identity this client claims jobs as.
type Mechanic struct {
	ID   MechanicID `json:"id"`
	Name string     `json:"name"`
}
