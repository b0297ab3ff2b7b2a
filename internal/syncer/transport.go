package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
)

// Transport submits one batch of one kind to the reconciliation
// service. Any error return is transient from the orchestrator's point
// of view: nothing is known about the server outcome and the batch goes
// back to pending.
type Transport interface {
	SubmitBatch(ctx context.Context, kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error)
}

// endpoint per kind; the only wire-level branching between the three
// operation kinds.
var endpoints = map[queue.Kind]string{
	queue.KindCheckIn:    "/v1/sync/checkins",
	queue.KindAttendance: "/v1/sync/attendance",
	queue.KindChapel:     "/v1/sync/chapel",
}

// Client is the HTTP transport to the central server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a transport with a bounded per-call timeout. A
// timed-out batch is indistinguishable from any other network failure.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitBatch POSTs one batch and decodes the per-item results.
// Rate-limit rejections (429) and server errors surface as errors, not
// as per-item failures.
func (c *Client) SubmitBatch(ctx context.Context, kind queue.Kind, items []reconcile.Item) (reconcile.BatchResponse, error) {
	path, ok := endpoints[kind]
	if !ok {
		return reconcile.BatchResponse{}, fmt.Errorf("no endpoint for kind %q", kind)
	}
	body, err := json.Marshal(reconcile.BatchRequest{Items: items})
	if err != nil {
		return reconcile.BatchResponse{}, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return reconcile.BatchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return reconcile.BatchResponse{}, fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Includes 429 from the rate-limit gate: treated like any
		// network failure so the items retry on a later cycle.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return reconcile.BatchResponse{}, fmt.Errorf("submit batch: status %d", resp.StatusCode)
	}

	var out reconcile.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return reconcile.BatchResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Healthy reports whether the server answers its health endpoint. Used
// by the connectivity watcher.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode == http.StatusOK
}

// Student fetches one student profile, used to refresh the agent's
// local subject cache while online.
func (c *Client) Student(ctx context.Context, studentNo string) (StudentProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/students/"+studentNo, nil)
	if err != nil {
		return StudentProfile{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StudentProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return StudentProfile{}, fmt.Errorf("student lookup: status %d", resp.StatusCode)
	}
	var profile StudentProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return StudentProfile{}, err
	}
	return profile, nil
}

// StudentProfile is the server's student payload.
type StudentProfile struct {
	ID        string `json:"id"`
	StudentNo string `json:"student_no"`
	FullName  string `json:"full_name"`
	ClassID   string `json:"class_id"`
	Expelled  bool   `json:"expelled"`
}
