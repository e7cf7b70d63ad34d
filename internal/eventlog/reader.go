package eventlog

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	ClientID *int
	Kind     *Kind
	Phase    string
}

func (f *Filter) matches(e Event) bool {
	if f.ClientID != nil && e.ClientID != *f.ClientID {
		return false
	}
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	return true
}

// Reader streams events from a log file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens path and returns every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and returns events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
