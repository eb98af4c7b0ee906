package pseudonymize

import (
	"strconv"
	"strings"

	"github.com/recordguard/recordguard/internal/domain"
)

// parseSegment splits a path segment like "tags[0][1]" into its map key and
// the chain of array indices that follow it.
func parseSegment(seg string) (string, []int) {
	bracket := strings.IndexByte(seg, '[')
	if bracket == -1 {
		return seg, nil
	}
	name := seg[:bracket]
	rest := seg[bracket:]

	var indices []int
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			break
		}
		idx, err := strconv.Atoi(rest[1:end])
		if err != nil {
			break
		}
		indices = append(indices, idx)
		rest = rest[end+1:]
	}
	return name, indices
}

// getPath reads the value at a dotted json-path (as produced by the
// detector's walk) out of a record.
func getPath(record domain.Record, path string) (any, bool) {
	return getAtSegments(map[string]any(record), strings.Split(path, "."))
}

func getAtSegments(cur any, segments []string) (any, bool) {
	name, indices := parseSegment(segments[0])
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	if !ok {
		return nil, false
	}
	for _, idx := range indices {
		arr, ok := v.([]any)
		if !ok || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		v = arr[idx]
	}
	if len(segments) == 1 {
		return v, true
	}
	return getAtSegments(v, segments[1:])
}

// setPath writes a value at a dotted json-path into a record, mutating
// nested maps/slices in place. It returns false if the path does not
// resolve against the record's current shape.
func setPath(record domain.Record, path string, value any) bool {
	return setAtSegments(map[string]any(record), strings.Split(path, "."), value)
}

func setAtSegments(cur any, segments []string, value any) bool {
	name, indices := parseSegment(segments[0])
	m, ok := cur.(map[string]any)
	if !ok {
		return false
	}
	if len(indices) == 0 {
		if len(segments) == 1 {
			m[name] = value
			return true
		}
		next, ok := m[name]
		if !ok {
			return false
		}
		return setAtSegments(next, segments[1:], value)
	}

	v, ok := m[name]
	if !ok {
		return false
	}
	arr, ok := v.([]any)
	if !ok {
		return false
	}
	return setAtIndices(arr, indices, segments[1:], value)
}

func setAtIndices(arr []any, indices []int, remaining []string, value any) bool {
	idx := indices[0]
	if idx < 0 || idx >= len(arr) {
		return false
	}
	if len(indices) == 1 {
		if len(remaining) == 0 {
			arr[idx] = value
			return true
		}
		return setAtSegments(arr[idx], remaining, value)
	}
	next, ok := arr[idx].([]any)
	if !ok {
		return false
	}
	return setAtIndices(next, indices[1:], remaining, value)
}
