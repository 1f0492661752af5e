// Package truncate bounds the serialized size of structured responses while
// keeping them syntactically valid, so a context-constrained caller never
// receives a partial JSON fragment. Data loss is always flagged, never silent.
package truncate

import (
	"encoding/json"
	"fmt"
)

// Marker is appended to truncated strings.
const Marker = "\n…[truncated]"

// MinChars is the smallest bound Truncate can honor exactly. The truncation
// markers themselves serialize to a few dozen bytes and are never reduced
// further, so below MinChars the marker is returned as an irreducible floor
// and the output may exceed the bound.
const MinChars = 64

// arrayFields is the priority-ordered list of conventional payload field
// names searched when truncating an object.
var arrayFields = []string{"rows", "results", "data", "items", "records"}

// Result is the outcome of a truncation pass.
type Result struct {
	// Data is the (possibly reduced) value; always JSON-serializable.
	Data interface{} `json:"data"`
	// Truncated reports whether anything was dropped.
	Truncated bool `json:"truncated"`
	// OriginalSizeBytes is the pre-truncation serialized size, set only
	// when Truncated is true.
	OriginalSizeBytes int `json:"originalSizeBytes,omitempty"`
}

// Truncate bounds the JSON serialization of data to maxChars. Arrays lose
// tail elements, objects lose tail elements of their conventional array
// payload field with every sibling preserved, strings are cut with an
// explicit marker, and anything else that cannot be reduced is replaced by a
// small marker object reporting the original size.
//
// The bound is honored for any maxChars >= MinChars. Smaller bounds still
// return the marker shapes, which cannot shrink below their own size.
func Truncate(data interface{}, maxChars int) (Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, fmt.Errorf("data is not serializable: %w", err)
	}
	if len(raw) <= maxChars {
		return Result{Data: data, Truncated: false}, nil
	}
	originalSize := len(raw)

	// Work on the decoded generic form so policy branches are uniform
	// regardless of the caller's concrete types.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Result{}, fmt.Errorf("failed to normalize data: %w", err)
	}

	switch v := generic.(type) {
	case []interface{}:
		reduced, ok := truncateArray(v, maxChars)
		if ok {
			return Result{Data: reduced, Truncated: true, OriginalSizeBytes: originalSize}, nil
		}
	case map[string]interface{}:
		reduced, ok := truncateObject(v, maxChars)
		if ok {
			return Result{Data: reduced, Truncated: true, OriginalSizeBytes: originalSize}, nil
		}
	case string:
		return Result{
			Data:              truncateString(v, maxChars),
			Truncated:         true,
			OriginalSizeBytes: originalSize,
		}, nil
	}

	return Result{
		Data: map[string]interface{}{
			"truncated":         true,
			"originalSizeBytes": originalSize,
		},
		Truncated:         true,
		OriginalSizeBytes: originalSize,
	}, nil
}

// truncateArray binary-searches the longest prefix whose serialization fits.
// Tail truncation keeps the earliest rows, which are the most relevant for
// typical paginated results.
func truncateArray(arr []interface{}, maxChars int) ([]interface{}, bool) {
	n := longestFittingPrefix(arr, maxChars, func(prefix []interface{}) int {
		raw, err := json.Marshal(prefix)
		if err != nil {
			return maxChars + 1
		}
		return len(raw)
	})
	if n < 0 {
		return nil, false
	}
	return arr[:n], true
}

// truncateObject finds the first conventional array payload field and
// truncates only that array, holding every sibling field fixed.
func truncateObject(obj map[string]interface{}, maxChars int) (map[string]interface{}, bool) {
	for _, field := range arrayFields {
		arr, ok := obj[field].([]interface{})
		if !ok {
			continue
		}

		sizeWith := func(prefix []interface{}) int {
			candidate := reattach(obj, field, prefix)
			raw, err := json.Marshal(candidate)
			if err != nil {
				return maxChars + 1
			}
			return len(raw)
		}

		n := longestFittingPrefix(arr, maxChars, sizeWith)
		if n < 0 {
			return nil, false
		}
		// Verify the final candidate after reattachment to siblings; an
		// overshoot drops one further element.
		if sizeWith(arr[:n]) > maxChars {
			if n == 0 {
				return nil, false
			}
			n--
		}
		return reattach(obj, field, arr[:n]), true
	}
	return nil, false
}

func reattach(obj map[string]interface{}, field string, prefix []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	out[field] = prefix
	return out
}

// longestFittingPrefix binary-searches the largest n such that size(arr[:n])
// fits in maxChars. Returns -1 when not even the empty prefix fits.
func longestFittingPrefix(arr []interface{}, maxChars int, size func([]interface{}) int) int {
	if size(arr[:0]) > maxChars {
		return -1
	}

	lo, hi := 0, len(arr)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if size(arr[:mid]) <= maxChars {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// truncateString cuts the string so the serialization of cut+Marker fits,
// accounting for the marker's own size and JSON escaping.
func truncateString(s string, maxChars int) string {
	runes := []rune(s)

	fits := func(n int) bool {
		raw, err := json.Marshal(string(runes[:n]) + Marker)
		if err != nil {
			return false
		}
		return len(raw) <= maxChars
	}

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + Marker
}
