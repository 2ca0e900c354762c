package store

import "errors"

// ErrDuplicateRule is returned by Insert when an exact-text match (case- and
// whitespace-normalized) already exists for the same category and scope.
// Callers should route near-duplicates through the merger instead.
var ErrDuplicateRule = errors.New("duplicate rule")

// ErrNotFound is returned when a rule id does not exist. It indicates a
// stale id upstream and is never silently swallowed by the store.
var ErrNotFound = errors.New("rule not found")

// ErrUnavailable is returned when the persistence layer cannot be reached.
// Callers degrade: selection returns no rules, correction submission falls
// back to audit-only.
var ErrUnavailable = errors.New("rule store unavailable")
