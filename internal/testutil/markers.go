package testutil

import "sync"

// FixedMarkers yields a scripted sequence of broadcast markers.
//
// When the script is exhausted the last marker repeats, so a single-marker
// FixedMarkers always returns the same value. An empty script yields
// "test-fixed@idleprobe.local".
//
// Thread-safety: safe for concurrent use.
type FixedMarkers struct {
	mu      sync.Mutex
	markers []string
	next    int
}

// NewFixedMarkers creates a marker source returning markers in order.
func NewFixedMarkers(markers ...string) *FixedMarkers {
	if len(markers) == 0 {
		markers = []string{"test-fixed@idleprobe.local"}
	}
	return &FixedMarkers{markers: markers}
}

// NewMarker returns the next scripted marker.
func (f *FixedMarkers) NewMarker() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.markers[f.next]
	if f.next < len(f.markers)-1 {
		f.next++
	}
	return m
}
