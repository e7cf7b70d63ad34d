package eventlog

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("eventlog: encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("eventlog: decoder mode: %v", err))
	}
}

// Encode encodes one event.
func Encode(e Event) ([]byte, error) {
	return encMode.Marshal(e)
}

// Decode decodes one event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
