package bifaci

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Default maximum encoded frame size (16 MB)
const DefaultMaxFrame int = 16_777_216

// Hard limit on frame size (256 MB), whatever Limits says
const MaxFrameHardLimit int = 268_435_456

// Default structural limits for a single frame
const (
	DefaultMaxNesting       int = 32
	DefaultMaxArrayElements int = 131_072
	DefaultMaxMapPairs      int = 131_072
)

// Limits bounds what one frame may contain. They apply on both encode and
// decode.
type Limits struct {
	MaxFrame         int `toml:"max_frame"`
	MaxNesting       int `toml:"max_nesting"`
	MaxArrayElements int `toml:"max_array_elements"`
	MaxMapPairs      int `toml:"max_map_pairs"`
}

// DefaultLimits returns the default frame limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame:         DefaultMaxFrame,
		MaxNesting:       DefaultMaxNesting,
		MaxArrayElements: DefaultMaxArrayElements,
		MaxMapPairs:      DefaultMaxMapPairs,
	}
}

// maxFrame returns the effective frame size limit
func (l Limits) maxFrame() int {
	if l.MaxFrame <= 0 || l.MaxFrame > MaxFrameHardLimit {
		return MaxFrameHardLimit
	}
	return l.MaxFrame
}

// decMode builds a CBOR decode mode enforcing the structural limits.
// Values outside the library's accepted ranges fall back to its defaults.
func (l Limits) decMode() (cbor.DecMode, error) {
	opts := cbor.DecOptions{
		MaxNestedLevels:  l.MaxNesting,
		MaxArrayElements: l.MaxArrayElements,
		MaxMapPairs:      l.MaxMapPairs,
	}
	if opts.MaxNestedLevels < 4 {
		opts.MaxNestedLevels = 0
	}
	if opts.MaxArrayElements < 16 {
		opts.MaxArrayElements = 0
	}
	if opts.MaxMapPairs < 16 {
		opts.MaxMapPairs = 0
	}
	dm, err := opts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("invalid frame limits: %w", err)
	}
	return dm, nil
}
