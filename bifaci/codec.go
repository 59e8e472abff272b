package bifaci

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var defaultDecMode = func() cbor.DecMode {
	dm, err := DefaultLimits().decMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EncodeFrame encodes a frame as a CBOR array led by its tag string
func EncodeFrame(frame *Frame) ([]byte, error) {
	tag, ok := frameTags[frame.FrameType]
	if !ok {
		return nil, fmt.Errorf("cannot encode unknown frame type %d", frame.FrameType)
	}

	items := []interface{}{tag}
	switch frame.FrameType {
	case FrameTypeInvoke:
		flag := 0
		if frame.HasCancel {
			flag = 1
		}
		items = append(items, frame.Name, flag)
		items = appendArgs(items, frame.Args)
	case FrameTypePost:
		items = append(items, frame.Name)
		items = appendArgs(items, frame.Args)
	case FrameTypeResult:
		if frame.Value != nil {
			items = append(items, frame.Value)
		}
	case FrameTypeException:
		items = append(items, frame.Message, frame.FaultType, frame.StackTrace)
	}

	data, err := cbor.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", tag, err)
	}
	return data, nil
}

func appendArgs(items []interface{}, args []cbor.RawMessage) []interface{} {
	for _, arg := range args {
		items = append(items, arg)
	}
	return items
}

// DecodeFrame decodes one frame using the default limits
func DecodeFrame(data []byte) (*Frame, error) {
	return decodeFrame(defaultDecMode, data)
}

func decodeFrame(dm cbor.DecMode, data []byte) (*Frame, error) {
	var items []cbor.RawMessage
	if err := dm.Unmarshal(data, &items); err != nil {
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, newProtocolError("frame is not an array")
		}
		return nil, &Error{Kind: KindProtocol, Message: "malformed frame", Err: err}
	}
	if len(items) == 0 {
		return nil, newProtocolError("empty frame")
	}

	var tag string
	if err := dm.Unmarshal(items[0], &tag); err != nil {
		return nil, newProtocolError("frame tag is not a string")
	}
	ft, ok := ParseFrameType(tag)
	if !ok {
		return nil, newProtocolError("unknown frame tag %q", tag)
	}

	frame := &Frame{FrameType: ft}
	tail := items[1:]

	switch ft {
	case FrameTypeInvoke:
		if len(tail) < 2 {
			return nil, newProtocolError("invoke frame has %d elements, need at least 3", len(items))
		}
		if err := dm.Unmarshal(tail[0], &frame.Name); err != nil {
			return nil, newProtocolError("invoke frame name is not a string")
		}
		var flag uint64
		if err := dm.Unmarshal(tail[1], &flag); err != nil || flag > 1 {
			return nil, newProtocolError("invoke frame cancellation flag must be 0 or 1")
		}
		frame.HasCancel = flag == 1
		frame.Args = copyArgs(tail[2:])

	case FrameTypePost:
		if len(tail) < 1 {
			return nil, newProtocolError("post frame has no event name")
		}
		if err := dm.Unmarshal(tail[0], &frame.Name); err != nil {
			return nil, newProtocolError("post frame name is not a string")
		}
		frame.Args = copyArgs(tail[1:])

	case FrameTypeResult:
		switch len(tail) {
		case 0:
		case 1:
			frame.Value = tail[0]
		default:
			return nil, newProtocolError("result frame has %d elements, at most 2 allowed", len(items))
		}

	case FrameTypeException:
		if len(tail) != 3 {
			return nil, newProtocolError("exception frame has %d elements, need 4", len(items))
		}
		if err := dm.Unmarshal(tail[0], &frame.Message); err != nil {
			return nil, newProtocolError("exception message is not a string")
		}
		if err := dm.Unmarshal(tail[1], &frame.FaultType); err != nil {
			return nil, newProtocolError("exception type name is not a string")
		}
		if err := dm.Unmarshal(tail[2], &frame.StackTrace); err != nil {
			return nil, newProtocolError("exception stack trace is neither a string nor null")
		}

	case FrameTypeCancel, FrameTypeQuit:
		if len(tail) != 0 {
			return nil, newProtocolError("%s frame carries %d unexpected elements", tag, len(tail))
		}
	}

	return frame, nil
}

func copyArgs(args []cbor.RawMessage) []cbor.RawMessage {
	if len(args) == 0 {
		return nil
	}
	out := make([]cbor.RawMessage, len(args))
	copy(out, args)
	return out
}
