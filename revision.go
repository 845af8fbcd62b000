package eventstore

import (
	"fmt"
	"strconv"
)

// Native encodings of the symbolic revisions. Non-negative values are exact
// revisions.
const (
	rawNoStream     int64 = -1
	rawAny          int64 = -2
	rawStreamExists int64 = -4
)

// StreamRevision is an optimistic concurrency precondition (or postcondition)
// on the tail of a stream. The variants are Any, NoStream, StreamExists and
// Expected.
type StreamRevision interface {
	fmt.Stringer

	// Raw returns the store native representation of the revision
	Raw() int64

	isStreamRevision()
}

// Any skips the concurrency check entirely
type Any struct{}

// NoStream requires the stream to not exist yet
type NoStream struct{}

// StreamExists requires the stream to hold at least one event
type StreamExists struct{}

// Expected requires the last event of the stream to be at exactly this revision
type Expected uint64

func (Any) Raw() int64          { return rawAny }
func (NoStream) Raw() int64     { return rawNoStream }
func (StreamExists) Raw() int64 { return rawStreamExists }
func (e Expected) Raw() int64   { return int64(e) }

func (Any) String() string          { return "Any" }
func (NoStream) String() string     { return "NoStream" }
func (StreamExists) String() string { return "StreamExists" }
func (e Expected) String() string   { return "Expected(" + strconv.FormatUint(uint64(e), 10) + ")" }

func (Any) isStreamRevision()          {}
func (NoStream) isStreamRevision()     {}
func (StreamExists) isStreamRevision() {}
func (Expected) isStreamRevision()     {}

// RevisionFromRaw translates a store native revision back to its symbolic form
func RevisionFromRaw(raw int64) (StreamRevision, error) {
	switch {
	case raw >= 0:
		return Expected(uint64(raw)), nil
	case raw == rawAny:
		return Any{}, nil
	case raw == rawNoStream:
		return NoStream{}, nil
	case raw == rawStreamExists:
		return StreamExists{}, nil
	default:
		return nil, fmt.Errorf("unknown raw stream revision %d", raw)
	}
}

// CheckRevision reports whether a stream whose tail is described by
// (exists, last) satisfies the expected precondition.
// Stores use it to implement the append precondition uniformly.
func CheckRevision(expected StreamRevision, exists bool, last uint64) bool {
	switch r := expected.(type) {
	case Any:
		return true
	case NoStream:
		return !exists
	case StreamExists:
		return exists
	case Expected:
		return exists && last == uint64(r)
	default:
		panic(fmt.Sprintf("unhandled stream revision %T", expected))
	}
}

// Direction is a stream read direction
type Direction int

const (
	// Forwards reads from older to newer events
	Forwards Direction = iota

	// Backwards reads from newer to older events
	Backwards
)

// Position addresses the revision a read starts from (inclusive)
type Position struct {
	revision uint64
	end      bool
}

// Start is the position of the first event of a stream
func Start() Position { return Position{} }

// End is the position just after the last event of a stream. Reading
// backwards from End starts at the last event.
func End() Position { return Position{end: true} }

// At is the position of the event with the given revision
func At(revision uint64) Position { return Position{revision: revision} }

// IsEnd reports whether p is the End position
func (p Position) IsEnd() bool { return p.end }

// Revision returns the revision p points at (meaningless for End)
func (p Position) Revision() uint64 { return p.revision }
