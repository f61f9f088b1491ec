package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// ChainReport is the outcome of offline chain verification. Operators use
// it to certify a log segment's authenticity without mutating anything.
type ChainReport struct {
	Valid                  bool   `json:"valid"`
	CheckedEvents          int    `json:"checked_events"`
	FirstInvalidSequenceID uint64 `json:"first_invalid_sequence_id,omitempty"`
	Reason                 string `json:"reason,omitempty"`
}

// VerifyChain recomputes hashes from the first event forward and confirms
// each recorded prev_hash/event_hash pair. The input must be a complete,
// ordered segment starting at the chain's genesis (first event carries an
// empty prev_hash).
func VerifyChain(events []contracts.ExecutionEvent) ChainReport {
	if len(events) == 0 {
		return ChainReport{Valid: true}
	}

	prevHash := ""
	prevSeq := uint64(0)
	for i, e := range events {
		if i == 0 && e.PrevHash != "" {
			return ChainReport{
				CheckedEvents:          i,
				FirstInvalidSequenceID: e.SequenceID,
				Reason:                 "genesis event has non-empty prev_hash",
			}
		}
		if e.SequenceID <= prevSeq {
			return ChainReport{
				CheckedEvents:          i,
				FirstInvalidSequenceID: e.SequenceID,
				Reason:                 fmt.Sprintf("sequence id %d is not increasing after %d", e.SequenceID, prevSeq),
			}
		}
		if i > 0 && e.PrevHash != prevHash {
			return ChainReport{
				CheckedEvents:          i,
				FirstInvalidSequenceID: e.SequenceID,
				Reason:                 fmt.Sprintf("chain broken at sequence %d: prev_hash mismatch", e.SequenceID),
			}
		}
		computed, err := hashEvent(e)
		if err != nil {
			return ChainReport{
				CheckedEvents:          i,
				FirstInvalidSequenceID: e.SequenceID,
				Reason:                 fmt.Sprintf("hash recomputation failed at sequence %d: %v", e.SequenceID, err),
			}
		}
		if computed != e.EventHash {
			return ChainReport{
				CheckedEvents:          i,
				FirstInvalidSequenceID: e.SequenceID,
				Reason:                 fmt.Sprintf("integrity failure at sequence %d: recorded hash does not match content", e.SequenceID),
			}
		}
		prevHash = e.EventHash
		prevSeq = e.SequenceID
	}

	return ChainReport{Valid: true, CheckedEvents: len(events)}
}

// VerifyChainJSON accepts either a bare JSON array of events or an object
// of the form {"events": [...]}. This is the entry point operational
// tooling feeds exported log segments into.
func VerifyChainJSON(data []byte) (ChainReport, error) {
	var events []contracts.ExecutionEvent
	if err := json.Unmarshal(data, &events); err == nil {
		return VerifyChain(events), nil
	}

	var wrapper struct {
		Events []contracts.ExecutionEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return ChainReport{}, fmt.Errorf("eventlog: input is neither an event array nor {\"events\": [...]}: %w", err)
	}
	return VerifyChain(wrapper.Events), nil
}
