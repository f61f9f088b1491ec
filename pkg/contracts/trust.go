package contracts

import "time"

// TrustDimensions are the four axes every memory write is scored on.
// Each value is in [0,1].
type TrustDimensions struct {
	SourceReliability    float64 `json:"source_reliability"`
	ContentConsistency   float64 `json:"content_consistency"`
	TemporalCoherence    float64 `json:"temporal_coherence"`
	InstructionAlignment float64 `json:"instruction_alignment"`
}

// TrustScore is a multi-dimensional estimate of how much a piece of
// content should be believed. Computed fresh per write attempt; never
// mutated, never cached across distinct content.
//
// Evaluated distinguishes a real score from the sentinel emitted when the
// memory gate is disabled. Downstream consumers must be able to tell
// "trusted" from "trust-checking was skipped".
type TrustScore struct {
	Score      float64         `json:"score"`
	Dimensions TrustDimensions `json:"dimensions"`
	Reasoning  []string        `json:"reasoning,omitempty"`
	ComputedAt time.Time       `json:"computed_at"`
	Evaluated  bool            `json:"evaluated"`
}

// TypedMemoryObject is content admitted (or held) by the memory gate.
type TypedMemoryObject struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	MemoryType string     `json:"memory_type"`
	Provenance string     `json:"provenance"`
	Source     CallSource `json:"source"`
	Trust      TrustScore `json:"trust"`
	Verified   bool       `json:"verified"`
	WrittenAt  time.Time  `json:"written_at"`
}
