// Package syncer is the C9 synchronizer: the single-threaded loop that
// drains the store's commit log in strict sequence order and materializes
// each change on whichever side lags, plus the error taxonomy and
// retry/block state machine that governs how writer failures are handled.
package syncer

import "errors"

// ErrorTier classifies a sentinel error into how the synchronizer reacts
// to it (spec.md §7).
type ErrorTier int

// Error tiers.
const (
	// TierInvariant is a programmer error; the synchronizer must not try
	// to recover from it.
	TierInvariant ErrorTier = iota
	// TierSkip means the current change is abandoned and the cursor
	// advances past it without retry.
	TierSkip
	// TierRetry means the synchronizer retries the change up to
	// MaxAttempts, then gives up on it and advances past it.
	TierRetry
	// TierBlock means the synchronizer stops applying changes, schedules
	// an exponential backoff retry, and emits a user-action-required
	// notification.
	TierBlock
	// TierFatal aborts the synchronizer entirely.
	TierFatal
)

// String implements fmt.Stringer.
func (t ErrorTier) String() string {
	switch t {
	case TierInvariant:
		return "invariant"
	case TierSkip:
		return "skip"
	case TierRetry:
		return "retry"
	case TierBlock:
		return "block"
	case TierFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors matching spec.md §7's taxonomy. A writer that wraps one
// of these with fmt.Errorf("%w", ...) has its tier recovered by Classify
// via errors.Is. The synchronizer itself wraps ErrMissingParent and
// ErrInvariantViolation; fswriter and memwriter return plain wrapped
// errors (TierRetry), and merge uses its own merge.ErrMissingParent.
var (
	ErrInvariantViolation = errors.New("syncer: invariant violation")
	ErrMissingParent      = errors.New("syncer: missing parent")
	ErrIdentityConflict   = errors.New("syncer: identity conflict")
	ErrContentCorruption  = errors.New("syncer: content corruption")
	ErrRemoteUnreachable  = errors.New("syncer: remote unreachable")
	ErrRemoteNeedsMerge   = errors.New("syncer: remote needs merge")
	ErrNoRemoteSpace      = errors.New("syncer: no remote space")
	ErrNoLocalSpace       = errors.New("syncer: no local space")
	ErrMissingPermissions = errors.New("syncer: missing permissions")
	ErrClientRevoked      = errors.New("syncer: client revoked")
	ErrUserActionRequired = errors.New("syncer: user action required")
	ErrConflictingName    = errors.New("syncer: conflicting name")
	ErrTransient          = errors.New("syncer: transient error")
)

// Classify maps a (possibly wrapped) sentinel error to its handling tier.
// An error matching none of the named sentinels defaults to TierRetry,
// matching spec.md §7's "Transient | Anything else" catch-all.
func Classify(err error) ErrorTier {
	switch {
	case err == nil:
		return TierSkip
	case errors.Is(err, ErrInvariantViolation):
		return TierInvariant
	case errors.Is(err, ErrMissingParent), errors.Is(err, ErrIdentityConflict):
		return TierSkip
	case errors.Is(err, ErrContentCorruption):
		return TierBlock
	case errors.Is(err, ErrRemoteUnreachable):
		return TierBlock
	case errors.Is(err, ErrRemoteNeedsMerge):
		return TierRetry
	case errors.Is(err, ErrNoRemoteSpace):
		return TierBlock
	case errors.Is(err, ErrNoLocalSpace):
		return TierFatal
	case errors.Is(err, ErrMissingPermissions):
		return TierBlock
	case errors.Is(err, ErrClientRevoked):
		return TierBlock
	case errors.Is(err, ErrUserActionRequired):
		return TierBlock
	case errors.Is(err, ErrConflictingName):
		return TierBlock
	case errors.Is(err, ErrTransient):
		return TierRetry
	default:
		return TierRetry
	}
}
