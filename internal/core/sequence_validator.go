package core

import (
	"errors"
	"fmt"
)

// ErrSequence marks a command whose source sequence is not the next one
// expected for its partition.
var ErrSequence = errors.New("sequence violation")

// SequenceValidator validates source sequences per partition. Account
// partitions are strict and start at 1. Feed partitions tolerate gaps.
// Not thread-safe: only accessed from the single-threaded core.
// Gaps and reorderings are counted by the engine, per partition kind.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// ValidateSequence checks that sourceSequence is the next one for partition.
// A stale sequence is accepted only for a known duplicate. The expected
// sequence is not advanced; call Advance once the command has committed.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expected(partition)

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("%w: out-of-order event: partition=%s, expected=%d, got=%d",
			ErrSequence, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		return nil
	}

	return fmt.Errorf("%w: sequence gap: partition=%s, expected=%d, got=%d",
		ErrSequence, partition, expected, sourceSequence)
}

// Advance moves a strict partition past sourceSequence.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence >= sv.expected(partition) {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// ValidateFeedSequence reports whether a feed update is fresh. Stale updates
// are ignored; gaps are accepted. Like ValidateSequence it does not advance
// the partition.
func (sv *SequenceValidator) ValidateFeedSequence(partition string, sequence int64) bool {
	return sequence >= sv.expected(partition)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// GetAllPartitions copies the expected sequence of every seen partition.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}
