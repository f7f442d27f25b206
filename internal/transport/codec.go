package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
)

var (
	// ErrMalformed is returned for frames that cannot be decoded.
	ErrMalformed = errors.New("transport: malformed frame")
	// ErrUnknownEvent is returned for frames with an unrecognised type.
	ErrUnknownEvent = errors.New("transport: unknown event type")
)

// DefaultOfferTTL applies when a new_job frame carries no expires_at.
const DefaultOfferTTL = 5 * time.Minute

// frame is the union of every inbound message shape.
type frame struct {
	Type       string          `json:"type"`
	Job        json.RawMessage `json:"job,omitempty"`
	ExpiresAt  string          `json:"expires_at,omitempty"`
	JobID      types.JobID     `json:"job_id,omitempty"`
	Mechanic   *types.Mechanic `json:"mechanic,omitempty"`
	ETAMinutes *int            `json:"eta_minutes,omitempty"`
	TakenAt    string          `json:"taken_at,omitempty"`
}

// timestamp layouts seen from the backend; zone-less values are UTC
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO8601 timestamp as sent by the dispatch backend.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Decoder turns raw stream frames into typed events.
type Decoder struct {
	// OfferTTL is the lifetime given to offers without expires_at.
	OfferTTL time.Duration
}

// Decode parses one frame received at receivedAt.
func (d Decoder) Decode(data []byte, receivedAt time.Time) (types.Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case "new_job":
		return d.decodeNewJob(f, receivedAt)
	case "job_taken":
		return decodeJobTaken(f)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}
}

func (d Decoder) decodeNewJob(f frame, receivedAt time.Time) (types.Event, error) {
	if len(f.Job) == 0 {
		return nil, fmt.Errorf("%w: new_job without job", ErrMalformed)
	}
	var job types.Job
	if err := json.Unmarshal(f.Job, &job); err != nil {
		return nil, fmt.Errorf("%w: new_job payload: %v", ErrMalformed, err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: new_job without job id", ErrMalformed)
	}

	offer := types.JobOffer{ID: job.ID, Payload: job, IssuedAt: receivedAt}
	if job.CreatedAt != "" {
		if t, err := ParseTimestamp(job.CreatedAt); err == nil {
			offer.IssuedAt = t
		}
	}

	// Default expiry counts from receipt so a skewed created_at cannot
	// produce an offer that is already dead on arrival.
	ttl := d.OfferTTL
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	offer.ExpiresAt = receivedAt.Add(ttl)
	if f.ExpiresAt != "" {
		t, err := ParseTimestamp(f.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", ErrMalformed, err)
		}
		offer.ExpiresAt = t
	}
	return types.NewOffer{Offer: offer}, nil
}

func decodeJobTaken(f frame) (types.Event, error) {
	if f.JobID == "" {
		return nil, fmt.Errorf("%w: job_taken without job_id", ErrMalformed)
	}
	if f.Mechanic == nil || f.Mechanic.ID == "" {
		return nil, fmt.Errorf("%w: job_taken without mechanic", ErrMalformed)
	}

	ev := types.OfferTaken{JobID: f.JobID, Winner: *f.Mechanic, ETAMinutes: f.ETAMinutes}
	if f.TakenAt != "" {
		if t, err := ParseTimestamp(f.TakenAt); err == nil {
			ev.TakenAt = &t
		}
	}
	return ev, nil
}

// EncodeNewJob builds a new_job frame. Used by the reference server.
func EncodeNewJob(job types.Job, expiresAt time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		Job       types.Job `json:"job"`
		ExpiresAt string    `json:"expires_at"`
	}{"new_job", job, expiresAt.UTC().Format(time.RFC3339Nano)})
}

// EncodeJobTaken builds a job_taken frame. Used by the reference server.
func EncodeJobTaken(id types.JobID, winner types.Mechanic, etaMinutes int, takenAt time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Type       string         `json:"type"`
		JobID      types.JobID    `json:"job_id"`
		Mechanic   types.Mechanic `json:"mechanic"`
		ETAMinutes int            `json:"eta_minutes"`
		TakenAt    string         `json:"taken_at"`
	}{"job_taken", id, winner, etaMinutes, takenAt.UTC().Format(time.RFC3339Nano)})
}
