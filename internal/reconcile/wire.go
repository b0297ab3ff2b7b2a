package reconcile

import "time"

// Item is one queued operation as submitted over the wire. StudentNo
// carries the scanned badge number for check-ins and chapel marks;
// attendance marks reference the student row id directly.
type Item struct {
	LocalID    string    `json:"localId"`
	StudentNo  string    `json:"studentNo,omitempty"`
	StudentID  string    `json:"studentId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

// Result is the per-item outcome. Every submitted localId appears in
// exactly one Result, whatever happened to the item.
type Result struct {
	LocalID  string `json:"localId"`
	Success  bool   `json:"success"`
	Outcome  string `json:"outcome,omitempty"` // "duplicate" when an earlier attempt already landed
	ServerID string `json:"serverId,omitempty"`
	Error    string `json:"error,omitempty"`
	// Transient marks a failure the agent must retry, such as a commit
	// phase that aborted after validation. Permanent rule denials leave
	// it unset.
	Transient bool `json:"transient,omitempty"`
}

// BatchRequest is the body of one sync call. Item count 1..100; the
// agent never sends more.
type BatchRequest struct {
	Items []Item `json:"items"`
}

// BatchResponse summarizes one reconciled batch.
type BatchResponse struct {
	Success bool     `json:"success"`
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Total   int      `json:"total"`
	Results []Result `json:"results"`
}

// OutcomeDuplicate marks a result whose record was committed by an
// earlier attempt or another actor.
const OutcomeDuplicate = "duplicate"
