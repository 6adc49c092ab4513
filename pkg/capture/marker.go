package capture

import "bytes"

// scanStart returns where the marker search begins after a read that grew
// the decoded text from prev to total units. Starting markerLen-1 units
// before the new data finds a marker that straddles two reads without
// rescanning older text.
func scanStart(prev, total, markerLen int) int {
	return max(0, min(prev-markerLen+1, total-markerLen))
}

// findMarker searches text for marker from the scan window implied by prev
// and returns the absolute index of the first match, or -1.
func findMarker(text []byte, prev int, marker []byte) int {
	if len(text) < len(marker) {
		return -1
	}
	start := scanStart(prev, len(text), len(marker))
	i := bytes.Index(text[start:], marker)
	if i < 0 {
		return -1
	}
	return start + i
}
