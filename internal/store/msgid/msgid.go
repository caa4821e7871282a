// Package msgid defines the fixed-size globally-unique message identifier
// used throughout the store (spec.md §3, "Message (M)").
package msgid

import (
	"github.com/google/uuid"
)

// Size is the fixed on-disk width of an ID in bytes.
const Size = 16

// ID is a fixed-size, globally-unique message identifier. It is the key
// type of MsgLoc (spec.md §4.B) and is written verbatim into segment
// record framing (spec.md §6).
type ID [Size]byte

// Zero is the zero-value ID, never assigned to a real message.
var Zero ID

// New returns a fresh, randomly generated ID.
func New() (ID, error) {
	var u, err = uuid.NewRandom()
	if err != nil {
		return Zero, err
	}
	var id ID
	copy(id[:], u[:])
	return id, nil
}

// FromBytes copies |b| into an ID. |b| must have length Size.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return Zero, ErrWrongSize
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ErrWrongSize is returned by FromBytes when the input is not exactly Size bytes.
var ErrWrongSize = errWrongSize{}

type errWrongSize struct{}

func (errWrongSize) Error() string { return "msgid: wrong byte length" }
