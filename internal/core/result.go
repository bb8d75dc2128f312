package core

import (
	"encoding/json"
	"time"
)

// Result is the tagged outcome a worker reports through complete-work!.
// The set of variants is closed; the dispatch engine switches over it
// exhaustively.
type Result interface {
	isResult()
}

// Success carries the result body. Parents of the job become eligible
// for release.
type Success struct {
	Body json.RawMessage
}

// Errored records a worker-side failure message.
type Errored struct {
	Message string
}

// Cancelled acknowledges a pause; the contract is already cancelled, or
// transitions to cancelled now.
type Cancelled struct{}

// TryLater is worker-initiated deferral: the contract terminates as
// try-later and a successor contract is created with the given due time.
type TryLater struct {
	Due    time.Time
	Reason string
}

// AddDependencies puts the contract back into waiting and inserts new
// child jobs (or references to existing ones). The job becomes claimable
// again once every dependency succeeds.
type AddDependencies struct {
	Requests []JobRequest
}

func (Success) isResult()         {}
func (Errored) isResult()         {}
func (Cancelled) isResult()       {}
func (TryLater) isResult()        {}
func (AddDependencies) isResult() {}
