package audit

import (
	"fmt"
	"sort"
	"time"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
)

// Anchor is the last archived link of a chain. Verification of the records
// still in the store starts from it.
type Anchor struct {
	Sequence   uint64    `json:"sequence"`
	Hash       string    `json:"hash"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

// Genesis reports whether the anchor is the start of the chain.
func (a Anchor) Genesis() bool {
	return a.Sequence == 0
}

func (a Anchor) prevHash() string {
	if a.Genesis() {
		return GenesisHash
	}
	return a.Hash
}

// Verification is the result of checking a chain.
type Verification struct {
	IsValid         bool   `json:"is_valid"`
	BrokenAt        string `json:"broken_at,omitempty"`
	BrokenSequence  uint64 `json:"broken_sequence,omitempty"`
	TotalEntries    int    `json:"total_entries"`
	VerifiedEntries int    `json:"verified_entries"`
	Reason          string `json:"reason,omitempty"`
}

// IntegrityError reports a broken chain.
type IntegrityError struct {
	TenantID     string
	ChainID      string
	Verification Verification
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain %s/%s broken at %s (sequence %d): %s",
		e.TenantID, e.ChainID, e.Verification.BrokenAt, e.Verification.BrokenSequence, e.Verification.Reason)
}

// Category reports integrity breaks to the errors package.
func (e *IntegrityError) Category() cerrors.Category {
	return cerrors.CategoryIntegrity
}

// Verify checks a chain that starts at genesis.
func Verify(entries []*Record) Verification {
	return VerifyFrom(Anchor{}, entries)
}

// VerifyFrom checks entries in sequence order, starting after anchor. For
// each record the sequence must follow its predecessor, prev_hash must equal
// the predecessor's hash and the stored hash must match the recomputed one.
// Verification stops at the first broken record.
func VerifyFrom(anchor Anchor, entries []*Record) Verification {
	sorted := make([]*Record, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	v := Verification{IsValid: true, TotalEntries: len(sorted)}
	prevHash := anchor.prevHash()
	prevSeq := anchor.Sequence

	for _, rec := range sorted {
		if reason := checkLink(rec, prevSeq, prevHash); reason != "" {
			v.IsValid = false
			v.BrokenAt = rec.RecordID
			v.BrokenSequence = rec.Sequence
			v.Reason = reason
			return v
		}
		v.VerifiedEntries++
		prevHash = rec.Integrity.Hash
		prevSeq = rec.Sequence
	}
	return v
}

func checkLink(rec *Record, prevSeq uint64, prevHash string) string {
	if rec.Sequence != prevSeq+1 {
		return fmt.Sprintf("sequence %d follows %d", rec.Sequence, prevSeq)
	}
	if rec.Integrity.Algo != Algo {
		return fmt.Sprintf("unsupported algo %q", rec.Integrity.Algo)
	}
	if rec.Integrity.PrevHash != prevHash {
		return "prev_hash does not match the previous record"
	}
	computed, err := ComputeHash(rec)
	if err != nil {
		return err.Error()
	}
	if computed != rec.Integrity.Hash {
		return "hash mismatch"
	}
	return ""
}
