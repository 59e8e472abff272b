package cbor

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// RawValue is one encoded CBOR data item, as carried in frame tails.
type RawValue = cbor.RawMessage

// Serializer turns structured values into wire tokens and back.
// Every token must be a single, self-delimiting CBOR data item because
// frames embed tokens verbatim as array elements.
type Serializer interface {
	Marshal(v interface{}) (RawValue, error)
	Unmarshal(data RawValue, v interface{}) error
}

// CborSerializer is the default Serializer.
//
// time.Time values are written as tag 0 RFC 3339 strings so the UTC
// offset survives the round trip; decoding accepts both tagged and
// untagged times.
type CborSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewSerializer creates the default CBOR serializer
func NewSerializer() (*CborSerializer, error) {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		Time:          cbor.TimeRFC3339Nano,
		TimeTag:       cbor.EncTagRequired,
		ShortestFloat: cbor.ShortestFloat16,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR encode mode: %w", err)
	}

	dec, err := cbor.DecOptions{
		TimeTag:         cbor.DecTagOptional,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR decode mode: %w", err)
	}

	return &CborSerializer{enc: enc, dec: dec}, nil
}

// MustSerializer is NewSerializer for package-level initialization
func MustSerializer() *CborSerializer {
	s, err := NewSerializer()
	if err != nil {
		panic(err)
	}
	return s
}

// Default is the serializer used when none is configured
var Default Serializer = MustSerializer()

// Marshal encodes v as a single CBOR data item
func (s *CborSerializer) Marshal(v interface{}) (RawValue, error) {
	data, err := s.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes one CBOR data item into v
func (s *CborSerializer) Unmarshal(data RawValue, v interface{}) error {
	if err := s.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode into %T: %w", v, err)
	}
	return nil
}

// Normalize converts a generically decoded CBOR value into the shapes
// encoding/json understands: map keys become strings, byte strings stay
// []byte, and times become RFC 3339 strings.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case cbor.Tag:
		return Normalize(val.Content)
	default:
		return val
	}
}
