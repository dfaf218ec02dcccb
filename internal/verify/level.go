package verify

import "fmt"

// Level selects how much of an artifact is transferred and checked.
type Level int

const (
	// LevelHead checks reachability and advertised size via a HEAD request.
	// No payload bytes are transferred.
	LevelHead Level = iota

	// LevelPartial transfers the leading 1 MiB of the payload to confirm
	// the source serves real content. No digest verdict is possible.
	LevelPartial

	// LevelFull transfers the complete payload and verifies its digest.
	LevelFull
)

// PartialSize is the number of leading bytes transferred at LevelPartial.
const PartialSize = 1 << 20

// ParseLevel maps a level name to a Level. The set is closed: anything
// other than "head", "partial", or "full" is rejected.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "head":
		return LevelHead, nil
	case "partial":
		return LevelPartial, nil
	case "full":
		return LevelFull, nil
	default:
		return 0, fmt.Errorf("invalid validation level %q: must be head, partial, or full", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelHead:
		return "head"
	case LevelPartial:
		return "partial"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}
