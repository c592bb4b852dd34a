// Package records provides helpers for reshaping and de-duplicating
// collections of records before they are written to the store.
package records

import (
	"reflect"
	"slices"
)

// Record is a loosely-typed row keyed by column or field name.
// It is only used at the edges (column mapping, feature projection);
// pipeline stages pass typed values.
type Record map[string]any

// ProjectOne returns a new record holding only keys.
// Keys missing from r are present in the result with a nil value.
func ProjectOne(r Record, keys ...string) Record {
	out := make(Record, len(keys))
	for _, k := range keys {
		out[k] = r[k]
	}
	return out
}

// Project applies ProjectOne to every record.
func Project(recs []Record, keys ...string) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = ProjectOne(r, keys...)
	}
	return out
}

// RenameOne returns a copy of r with each key in mapping renamed to its target.
// Every rename reads from r, so swaps and chains (a->b, b->c) move each value
// exactly once. A renamed value replaces a key of r that is not itself
// renamed. Keys of mapping not present in r are ignored; targets should be
// distinct.
func RenameOne(r Record, mapping map[string]string) Record {
	out := make(Record, len(r))
	for k, v := range r {
		if _, renamed := mapping[k]; !renamed {
			out[k] = v
		}
	}
	for k, v := range r {
		if to, renamed := mapping[k]; renamed {
			out[to] = v
		}
	}
	return out
}

// Rename applies RenameOne to every record.
func Rename(recs []Record, mapping map[string]string) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = RenameOne(r, mapping)
	}
	return out
}

// DedupeByKey keeps the first record seen for each distinct value of key,
// preserving the relative order of first occurrences.
//
// Records that do not carry key at all are treated as one group of their
// own, so only the first of them is kept. A key present with a nil value
// is a regular value and groups separately from the missing case.
// Values that are not comparable (slices, maps) are matched with
// reflect.DeepEqual.
func DedupeByKey(recs []Record, key string) []Record {
	seen := make(map[any]struct{}, len(recs))
	var seenUnhashable []any
	missingSeen := false
	out := make([]Record, 0, len(recs))

	for _, r := range recs {
		v, ok := r[key]
		if !ok {
			if missingSeen {
				continue
			}
			missingSeen = true
			out = append(out, r)
			continue
		}
		if !hashable(v) {
			if slices.ContainsFunc(seenUnhashable, func(s any) bool { return reflect.DeepEqual(s, v) }) {
				continue
			}
			seenUnhashable = append(seenUnhashable, v)
			out = append(out, r)
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, r)
	}
	return out
}

// UniqueBy keeps the first item seen for each distinct key, preserving order.
func UniqueBy[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

func hashable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
