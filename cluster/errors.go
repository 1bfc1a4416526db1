package cluster

import "github.com/pkg/errors"

var (
	// ErrInvalidOperation is returned for requests the topology can
	// never satisfy, such as removing the primary.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrJoinFailed marks a secondary that could not complete its
	// group join. Joins are never retried automatically; the node is
	// left at its last successful state for an explicit follow-up.
	ErrJoinFailed = errors.New("join failed")

	// ErrLeaveFailed marks a secondary that could not leave the
	// group. Its backend is deliberately not destroyed in that case,
	// destroying it anyway could cost the remaining group its
	// majority.
	ErrLeaveFailed = errors.New("leave failed")
)
