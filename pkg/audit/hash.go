// Package audit implements the tamper-evident ledger: an append-only,
// hash-chained sequence of entries documenting every accepted mutation.
// Appends ride inside the same atomic unit as the state change they
// document; Verify recomputes a chain range and localizes the first
// tampered entry.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/openharness/openharness/pkg/engine"
)

// hashBody is the canonical byte layout hashed for an entry. A fixed struct
// (no maps) guarantees deterministic json.Marshal field order, so hashes are
// reproducible across processes.
type hashBody struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	Actor     string          `json:"actor"`
	Event     string          `json:"event"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// ComputeHash returns the chain hash for an entry:
// sha256(prev_hash || canonical entry body), hex encoded. The entry's own
// Hash field does not participate.
func ComputeHash(e *engine.AuditEntry) string {
	body := hashBody{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     e.Actor,
		Event:     e.Event,
		RunID:     e.RunID,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	}
	// Marshalling a fixed struct cannot fail.
	raw, _ := json.Marshal(body)

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
