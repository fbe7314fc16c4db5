// Package ruledb implements the persistent allow-list store used by the USB
// admission subsystem: a RuleDb (global entries + trash) and a UserDb
// (per-signed-in-user trust set), both keyed by device fingerprint.
package ruledb

import (
	"fmt"
	"sort"
	"time"
)

// MaxFileSize is the largest RuleDb/UserDb file this package will decode.
// Opening a larger file fails with TOO_LARGE; this package does not
// regenerate it.
const MaxFileSize = 64 << 20 // 64 MiB

// RuleEntry is an ordered, non-empty list of policy-rule strings plus the
// time it was last touched. Rule order preserves the sequence in which a
// mode-switching device presented its personalities (most recent last).
type RuleEntry struct {
	Rules    []string
	LastUsed time.Time
}

// Clone returns a deep copy of e.
func (e RuleEntry) Clone() RuleEntry {
	rules := make([]string, len(e.Rules))
	copy(rules, e.Rules)
	return RuleEntry{Rules: rules, LastUsed: e.LastUsed}
}

// Validate checks the RuleEntry invariant: at least one non-empty rule.
func (e RuleEntry) Validate() error {
	if len(e.Rules) == 0 {
		return fmt.Errorf("rule entry has no rules")
	}
	for _, r := range e.Rules {
		if r == "" {
			return fmt.Errorf("rule entry contains an empty rule")
		}
	}
	return nil
}

// RuleDb holds the two logically distinct maps persisted together: the live
// allow-list (Entries) and recently removed entries retained briefly to
// coalesce mode-switch sequences (Trash). No key may appear in both at once.
type RuleDb struct {
	Entries map[string]RuleEntry
	Trash   map[string]RuleEntry
}

// NewRuleDb returns an empty RuleDb.
func NewRuleDb() *RuleDb {
	return &RuleDb{Entries: map[string]RuleEntry{}, Trash: map[string]RuleEntry{}}
}

// UserDb holds the set of devices the primary signed-in user has ever
// trusted. It has no trash.
type UserDb struct {
	Entries map[string]RuleEntry
}

// NewUserDb returns an empty UserDb.
func NewUserDb() *UserDb {
	return &UserDb{Entries: map[string]RuleEntry{}}
}

// sortedKeys returns m's keys in sorted order, for deterministic iteration.
func sortedKeys(m map[string]RuleEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
