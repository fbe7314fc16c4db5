package ruledb

import "errors"

// Sentinel errors specific to RuleStore/UserStore, named after the
// contracts in spec.md §4.2.
var (
	errLockHeld = errors.New("LOCK_HELD")
	errTooLarge = errors.New("TOO_LARGE")
	errIO       = errors.New("IO")
)

// IsLockHeld reports whether err indicates another holder already has the
// store's exclusive advisory lock.
func IsLockHeld(err error) bool { return errors.Is(err, errLockHeld) }

// IsTooLarge reports whether err indicates the backing file exceeded MaxFileSize.
func IsTooLarge(err error) bool { return errors.Is(err, errTooLarge) }

// IsIO reports whether err is an I/O failure from the store.
func IsIO(err error) bool { return errors.Is(err, errIO) }
