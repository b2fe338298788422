package training

import "errors"

var (
	// ErrEmptyStream means the secondary loader produced no batch right after
	// being restarted.
	ErrEmptyStream = errors.New("training: secondary stream is empty")

	// ErrIncompatibleCheckpoint means the checkpoint does not fit the network
	// or optimizer it is loaded into.
	ErrIncompatibleCheckpoint = errors.New("training: incompatible checkpoint")

	// ErrMissingMetric means the selection metric is absent from the epoch
	// record.
	ErrMissingMetric = errors.New("training: selection metric missing from record")

	// ErrPhase means an engine operation was called out of order.
	ErrPhase = errors.New("training: operation not allowed in this phase")

	// ErrNoLoader means a split required by the operation was not configured.
	ErrNoLoader = errors.New("training: no loader configured")
)
