// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"slices"
	"sync"
	"time"
)

// StatusSample is one parsed Grbl status report (a grbl.Event with
// Kind==grbl.Status): the fixed seven-field shape spec.md §4.2 defines, and
// the only thing a Session's status pipeline ever records.
type StatusSample struct {
	State      string
	MachinePos [3]string // x, y, z
	WorkingPos [3]string // x, y, z
}

// StatusField names one queryable scalar facet of a StatusSample — the set
// handleStatusHistory's "query" list is validated against.
type StatusField string

const (
	FieldState StatusField = "state"
	FieldMPosX StatusField = "mpos_x"
	FieldMPosY StatusField = "mpos_y"
	FieldMPosZ StatusField = "mpos_z"
	FieldWPosX StatusField = "wpos_x"
	FieldWPosY StatusField = "wpos_y"
	FieldWPosZ StatusField = "wpos_z"
)

// extract pulls field out of sample. ok is false for an unrecognized field
// name, which callers use to reject a malformed status-history request.
func (f StatusField) extract(sample StatusSample) (value string, ok bool) {
	switch f {
	case FieldState:
		return sample.State, true
	case FieldMPosX:
		return sample.MachinePos[0], true
	case FieldMPosY:
		return sample.MachinePos[1], true
	case FieldMPosZ:
		return sample.MachinePos[2], true
	case FieldWPosX:
		return sample.WorkingPos[0], true
	case FieldWPosY:
		return sample.WorkingPos[1], true
	case FieldWPosZ:
		return sample.WorkingPos[2], true
	default:
		return "", false
	}
}

type statusEntry struct {
	t int64
	v StatusSample
}

// StatusDB is a per-Session status time series (SPEC_FULL.md §D.2): one
// status report per poll tick, sampled on query the way the teacher's
// ts_db.go sampled an arbitrary keyed time series — specialized here to the
// fixed Grbl status shape instead of a generic string-keyed value store. A
// status report updates all seven fields at once, so they share a single
// sorted-by-time entry slice instead of seven independent series.
type StatusDB struct {
	mu      sync.RWMutex
	entries []statusEntry
}

// NewStatusDB creates an empty per-Session status store.
func NewStatusDB() *StatusDB {
	return &StatusDB{}
}

// Insert records sample at t. Overwrites an exact-time collision; otherwise
// O(log N) amortized if t is monotonically increasing, as it is for live
// status polling.
func (db *StatusDB) Insert(t time.Time, sample StatusSample) {
	db.mu.Lock()
	defer db.mu.Unlock()

	newE := statusEntry{t: t.UnixNano(), v: sample}
	if len(db.entries) == 0 || newE.t > db.entries[len(db.entries)-1].t {
		db.entries = append(db.entries, newE)
		return
	}

	i, found := slices.BinarySearchFunc(db.entries, newE.t, cmpStatusEntry)
	if found {
		db.entries[i] = newE
	} else {
		db.entries = slices.Insert(db.entries, i, newE)
	}
}

func cmpStatusEntry(e statusEntry, t int64) int {
	switch {
	case e.t < t:
		return -1
	case e.t > t:
		return 1
	default:
		return 0
	}
}

func sampleTimes(start, end, step int64) []int64 {
	var res []int64
	for cur := start; cur <= end; cur += step {
		res = append(res, cur)
	}
	return res
}

// findLatestInWindow returns the latest entry in [start, end], or nil.
func findLatestInWindow(start, end int64, sorted []statusEntry) *statusEntry {
	i, _ := slices.BinarySearchFunc(sorted, end, cmpStatusEntry)
	i = min(i, len(sorted)-1)
	for i >= 0 {
		t := sorted[i].t
		if start <= t && t <= end {
			return &sorted[i]
		}
		if t < start {
			return nil
		}
		i--
	}
	return nil
}

// QueryRanges samples fields at start+step*0, start+step*1, ... up to end.
// For each sample timestamp T, the latest status report in [T-step, T] is
// extracted field-by-field; a field is nil at T where no report falls in
// that window. Never interpolates between samples.
func (db *StatusDB) QueryRanges(fields []StatusField, start, end time.Time, step time.Duration) ([]time.Time, map[StatusField][]any) {
	sampleTs := sampleTimes(start.UnixNano(), end.UnixNano(), step.Nanoseconds())

	db.mu.RLock()
	defer db.mu.RUnlock()

	times := make([]time.Time, len(sampleTs))
	for i, t := range sampleTs {
		times[i] = time.Unix(0, t)
	}

	valsMap := make(map[StatusField][]any, len(fields))
	for _, field := range fields {
		vals := make([]any, len(sampleTs))
		for i, t := range sampleTs {
			e := findLatestInWindow(t-step.Nanoseconds(), t, db.entries)
			if e == nil {
				continue
			}
			if v, ok := field.extract(e.v); ok {
				vals[i] = v
			}
		}
		valsMap[field] = vals
	}
	return times, valsMap
}
