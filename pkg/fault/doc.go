/*
Package fault defines the failure taxonomy shared by every component
and the wire surface.

Each failure carries a stable Code. Components return fault errors (or
wrap underlying ones), the API maps codes to HTTP statuses, and workers
use Classify to decide retry behavior. errors.Is works against the
exported sentinels regardless of wrapping:

	if errors.Is(err, fault.ErrBudgetExceeded) {
	    // rejected by admission
	}

Adapters can force a retry class with Transient and Permanent when the
category alone is not enough.
*/
package fault
