// ============================================================================
// Dispatch REST Client
// ============================================================================
//
// Package: internal/api
// File: client.go
// Function: Outbound calls to the dispatch backend: claim, reject, status
//           updates, resync and the mechanic's own presence.
//
// Error mapping:
//   409           → types.ErrConflict (someone else owns the job)
//   other non-2xx → *types.TransportError with Status set
//   no response   → *types.TransportError with Status 0
//
// Every request carries the bearer token, read fresh per call, and a
// X-Request-ID for correlation with server logs.
//
// ============================================================================

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

const (
	defaultTimeout    = 10 * time.Second
	defaultETAMinutes = 10
	maxBodySize       = 1 << 20

	// HeaderRequestID correlates a call with server logs.
	HeaderRequestID = "X-Request-ID"
)

// TokenSource yields the bearer token for one request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	Mechanic   types.Mechanic
	ETAMinutes int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the dispatch REST API.
type Client struct {
	base     string
	mechanic types.Mechanic
	eta      int
	timeout  time.Duration
	http     *http.Client
	tokens   TokenSource
}

// NewClient creates a client. tokens may be nil for unauthenticated use.
func NewClient(cfg Config, tokens TokenSource) *Client {
	c := &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		mechanic: cfg.Mechanic,
		eta:      cfg.ETAMinutes,
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
		tokens:   tokens,
	}
	if c.eta <= 0 {
		c.eta = defaultETAMinutes
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

type acceptRequest struct {
	MechanicID   types.MechanicID `json:"mechanic_id"`
	MechanicName string           `json:"mechanic_name"`
	ETAMinutes   int              `json:"eta_minutes"`
}

// Accept claims a job. A 409 wraps types.ErrConflict. When the server
// confirms without a body the job is fetched separately; the win stands
// even if that fetch fails.
func (c *Client) Accept(ctx context.Context, id types.JobID) (types.Job, error) {
	body := acceptRequest{MechanicID: c.mechanic.ID, MechanicName: c.mechanic.Name, ETAMinutes: c.eta}

	var job types.Job
	status, err := c.do(ctx, "accept", http.MethodPatch, jobPath(id, "accept"), body, &job)
	if err != nil {
		return types.Job{}, err
	}
	if status == http.StatusNoContent || job.ID == "" {
		log.Debug("Accept returned no job, fetching", "job_id", id)
		fetched, err := c.GetJob(ctx, id)
		if err != nil {
			log.Warn("Accepted but job fetch failed", "job_id", id, "error", err)
			return types.Job{ID: id, Status: types.StatusAccepted}, nil
		}
		return fetched, nil
	}
	return job, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	var job types.Job
	if _, err := c.do(ctx, "get_job", http.MethodGet, jobPath(id, ""), nil, &job); err != nil {
		return types.Job{}, err
	}
	if job.ID == "" {
		job.ID = id
	}
	return job, nil
}

// Reject declines an offer.
func (c *Client) Reject(ctx context.Context, id types.JobID) error {
	_, err := c.do(ctx, "reject", http.MethodPatch, jobPath(id, "reject"), nil, nil)
	return err
}

// UpdateStatus persists an assignment status and returns the updated job.
func (c *Client) UpdateStatus(ctx context.Context, id types.JobID, status types.AssignmentStatus) (types.Job, error) {
	var job types.Job
	body := map[string]types.AssignmentStatus{"status": status}
	if _, err := c.do(ctx, "update_status", http.MethodPatch, jobPath(id, "status"), body, &job); err != nil {
		return types.Job{}, err
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Status == "" {
		job.Status = status
	}
	return job, nil
}

// CurrentJob returns the job the server has assigned to this mechanic, or
// nil on 204. A 404 is an error: it means the endpoint is missing, and
// treating it as "no job" would drop live assignments on every resync.
func (c *Client) CurrentJob(ctx context.Context) (*types.Job, error) {
	var job types.Job
	status, err := c.do(ctx, "current_job", http.MethodGet, "/mechanics/me/current-job", nil, &job)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// SetAvailability toggles whether the mechanic receives offers.
func (c *Client) SetAvailability(ctx context.Context, available bool) error {
	body := map[string]bool{"is_available": available}
	_, err := c.do(ctx, "availability", http.MethodPatch, "/mechanics/me/availability", body, nil)
	return err
}

// ReportLocation pushes the mechanic's position.
func (c *Client) ReportLocation(ctx context.Context, lat, lon float64) error {
	body := map[string]float64{"latitude": lat, "longitude": lon}
	_, err := c.do(ctx, "location", http.MethodPost, "/mechanics/me/location", body, nil)
	return err
}

// CallPartner returns the customer's phone number for an assigned job.
func (c *Client) CallPartner(ctx context.Context, id types.JobID) (string, error) {
	var out struct {
		Phone string `json:"phone"`
	}
	if _, err := c.do(ctx, "call_partner", http.MethodGet, jobPath(id, "call-partner"), nil, &out); err != nil {
		return "", err
	}
	return out.Phone, nil
}

func jobPath(id types.JobID, action string) string {
	p := "/requests/" + url.PathEscape(string(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends one request and decodes a JSON body into out when present.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, &types.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := uuid.NewString()
	req.Header.Set(HeaderRequestID, reqID)
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, &types.TransportError{Op: op, Err: fmt.Errorf("read credentials: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("Request failed", "op", op, "request_id", reqID, "error", err)
		return 0, &types.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, &types.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	log.Debug("Request done", "op", op, "status", resp.StatusCode, "request_id", reqID, "took", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return resp.StatusCode, fmt.Errorf("%s: %w: %s", op, types.ErrConflict, detail(data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, &types.TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(detail(data))}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, &types.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}

// detail extracts a FastAPI-style {"detail": ...} message, else the raw body.
func detail(body []byte) string {
	var e struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && e.Detail != nil {
		if s, ok := e.Detail.(string); ok {
			return s
		}
		return fmt.Sprint(e.Detail)
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no detail"
	}
	return s
}
