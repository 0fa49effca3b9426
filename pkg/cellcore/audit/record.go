package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Algo names the hashing scheme written into every record.
const Algo = "sha256-jcs"

// GenesisHash is the prev_hash of the first record of a chain.
var GenesisHash = strings.Repeat("0", 64)

// DefaultChainID is used for records that do not name a chain.
const DefaultChainID = "main"

// ErrInvalidRecord is wrapped by every validation failure.
var ErrInvalidRecord = errors.New("invalid audit record")

// Record is one immutable audit entry.
type Record struct {
	RecordID  string         `json:"record_id"`
	TenantID  string         `json:"tenant_id"`
	ChainID   string         `json:"chain_id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	Action    string         `json:"action"`
	Scope     Scope          `json:"scope"`
	Target    Target         `json:"target"`
	Trace     Trace          `json:"trace"`
	Payload   map[string]any `json:"payload,omitempty"`
	Integrity Integrity      `json:"integrity"`
}

// Actor is who performed the action.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Scope is the module and layer the action happened in.
type Scope struct {
	Module string `json:"module"`
	Layer  string `json:"layer"`
}

// Target is the entity the action changed.
type Target struct {
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// Trace links a record to the event flow that caused it.
type Trace struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// Integrity holds the chain link of a record.
type Integrity struct {
	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash"`
	Algo     string `json:"algo"`
}

// Validate checks the fields a caller must supply.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRecord)
	case r.Actor.ID == "" && r.Actor.Type == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidRecord)
	case r.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy. Payload values are copied through JSON.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = clonePayload(r.Payload)
	}
	return &cp
}

func clonePayload(p map[string]any) map[string]any {
	raw, err := json.Marshal(p)
	if err != nil {
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// Canonical returns the RFC 8785 form of r with integrity.hash removed and
// the timestamp in UTC.
func Canonical(r *Record) ([]byte, error) {
	cp := *r
	cp.Integrity.Hash = ""
	cp.Timestamp = cp.Timestamp.UTC()

	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.RecordID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record %s: %w", r.RecordID, err)
	}
	return canonical, nil
}

// ComputeHash returns the hash r must carry given its prev_hash.
func ComputeHash(r *Record) (string, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(r.Integrity.PrevHash))
	h.Write([]byte("|"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
