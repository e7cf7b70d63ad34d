package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedMarkers_Sequence(t *testing.T) {
	m := NewFixedMarkers("test-a@x", "test-b@x")

	assert.Equal(t, "test-a@x", m.NewMarker())
	assert.Equal(t, "test-b@x", m.NewMarker())
	assert.Equal(t, "test-b@x", m.NewMarker(), "last marker repeats")
}

func TestFixedMarkers_EmptyDefault(t *testing.T) {
	m := NewFixedMarkers()
	assert.Equal(t, "test-fixed@idleprobe.local", m.NewMarker())
}

func TestFixedMarkers_ThreadSafe(t *testing.T) {
	m := NewFixedMarkers("test-same@x")

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				assert.Equal(t, "test-same@x", m.NewMarker())
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
