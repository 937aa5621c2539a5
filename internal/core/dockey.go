package core

// dockey.go assigns collision-free document numbers.
//
// The target system limits document numbers to 21 characters and expects
// them unique within a numbering space that may span several entity types
// (invoices and credit memos share one, for instance). Planning is a pure
// function of the rows in source order and the set of numbers already used
// elsewhere, so rerunning it reproduces the same assignments.

import (
	"fmt"
	"sort"
)

const (
	// MaxDocNumberLen is the target system's document number limit.
	MaxDocNumberLen = 21

	// suffixThreshold is the longest base that still fits "-NN".
	suffixThreshold = MaxDocNumberLen - 3
)

// PlanDuplicateKeys returns the duplicate key for every row with a
// non-blank document number.
//
// Rows already posted (Success/Exists) or already built into a payload keep
// their stored key and reserve it.
// For the rest, the first occurrence of each raw value keeps it unless it is
// in used or already reserved; every other occurrence gets a suffixed
// variant that collides with nothing used or planned.
func PlanDuplicateKeys(rows []DocNumberRow, used map[string]struct{}) map[string]string {
	ordered := make([]DocNumberRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	taken := make(map[string]struct{}, len(used)+len(rows))
	for v := range used {
		taken[v] = struct{}{}
	}

	plan := make(map[string]string, len(rows))
	var pending []DocNumberRow

	for _, row := range ordered {
		if row.DocNumber == nil || IsBlankString(*row.DocNumber) {
			continue
		}
		if (row.Status.Terminal() || row.HasPayload) && row.DuplicateKey != nil && !IsBlankString(*row.DuplicateKey) {
			key := *row.DuplicateKey
			taken[key] = struct{}{}
			plan[row.SourceID] = key
			continue
		}
		pending = append(pending, row)
	}

	// First occurrences reserve their own value before any suffix is drawn,
	// so a variant can never steal a later group's original number.
	seen := make(map[string]bool)
	var rest []DocNumberRow
	for _, row := range pending {
		raw := *row.DocNumber
		if seen[raw] {
			rest = append(rest, row)
			continue
		}
		seen[raw] = true
		if _, clash := taken[raw]; clash {
			rest = append(rest, row)
			continue
		}
		taken[raw] = struct{}{}
		plan[row.SourceID] = raw
	}

	counters := make(map[string]int)
	for _, row := range rest {
		raw := *row.DocNumber
		n := counters[raw]
		var candidate string
		for {
			n++
			candidate = suffixed(raw, n)
			if _, clash := taken[candidate]; !clash {
				break
			}
		}
		counters[raw] = n
		taken[candidate] = struct{}{}
		plan[row.SourceID] = candidate
	}

	return plan
}

// suffixed builds the n-th variant of base.
func suffixed(base string, n int) string {
	counter := fmt.Sprintf("%02d", n)
	if len(base) <= suffixThreshold {
		return base + "-" + counter
	}
	v := counter + base[2:]
	if len(v) > MaxDocNumberLen {
		v = v[:MaxDocNumberLen]
	}
	return v
}

// crossCheckPeers returns the other entities sharing entity's numbering space.
func crossCheckPeers(entity string, group []string) []string {
	member := false
	for _, e := range group {
		if equalFold(e, entity) {
			member = true
			break
		}
	}
	if !member {
		return nil
	}
	peers := make([]string, 0, len(group))
	for _, e := range group {
		if !equalFold(e, entity) {
			peers = append(peers, e)
		}
	}
	return peers
}
