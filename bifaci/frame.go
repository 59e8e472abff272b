package bifaci

import (
	"fmt"

	"github.com/machinefabric/piperpc-go/cbor"
)

// FrameType is the tag carried in the first element of every frame
type FrameType uint8

const (
	FrameTypeInvoke FrameType = iota + 1
	FrameTypeResult
	FrameTypeException
	FrameTypePost
	FrameTypeCancel
	FrameTypeQuit
)

var frameTags = map[FrameType]string{
	FrameTypeInvoke:    "invoke",
	FrameTypeResult:    "result",
	FrameTypeException: "exception",
	FrameTypePost:      "post",
	FrameTypeCancel:    "cancel",
	FrameTypeQuit:      "quit",
}

// String returns the wire tag
func (ft FrameType) String() string {
	if tag, ok := frameTags[ft]; ok {
		return tag
	}
	return fmt.Sprintf("FrameType(%d)", uint8(ft))
}

// ParseFrameType maps a wire tag to its FrameType
func ParseFrameType(tag string) (FrameType, bool) {
	for ft, t := range frameTags {
		if t == tag {
			return ft, true
		}
	}
	return 0, false
}

// Frame is one protocol message. Which fields are meaningful depends on
// FrameType:
//
//	invoke     Name, HasCancel, Args
//	result     Value (nil when the operation has no result)
//	exception  Message, FaultType, StackTrace
//	post       Name, Args
//	cancel     -
//	quit       -
type Frame struct {
	FrameType FrameType

	Name      string
	HasCancel bool
	Args      []cbor.RawValue

	Value cbor.RawValue

	Message    string
	FaultType  string
	StackTrace *string
}

// NewInvoke creates an invoke frame
func NewInvoke(name string, hasCancel bool, args []cbor.RawValue) *Frame {
	return &Frame{
		FrameType: FrameTypeInvoke,
		Name:      name,
		HasCancel: hasCancel,
		Args:      args,
	}
}

// NewResult creates a result frame carrying value
func NewResult(value cbor.RawValue) *Frame {
	return &Frame{
		FrameType: FrameTypeResult,
		Value:     value,
	}
}

// NewEmptyResult creates a result frame for an operation without a result
func NewEmptyResult() *Frame {
	return &Frame{FrameType: FrameTypeResult}
}

// NewException creates an exception frame. stackTrace may be nil.
func NewException(message, faultType string, stackTrace *string) *Frame {
	return &Frame{
		FrameType:  FrameTypeException,
		Message:    message,
		FaultType:  faultType,
		StackTrace: stackTrace,
	}
}

// NewPost creates a post frame
func NewPost(name string, args []cbor.RawValue) *Frame {
	return &Frame{
		FrameType: FrameTypePost,
		Name:      name,
		Args:      args,
	}
}

// NewCancel creates a cancel frame
func NewCancel() *Frame {
	return &Frame{FrameType: FrameTypeCancel}
}

// NewQuit creates a quit frame
func NewQuit() *Frame {
	return &Frame{FrameType: FrameTypeQuit}
}

// IsRequest reports whether the frame asks the receiver to run an operation
func (f *Frame) IsRequest() bool {
	return f.FrameType == FrameTypeInvoke || f.FrameType == FrameTypePost
}

// IsResponse reports whether the frame answers an outstanding invoke
func (f *Frame) IsResponse() bool {
	return f.FrameType == FrameTypeResult || f.FrameType == FrameTypeException
}

func (f *Frame) String() string {
	switch f.FrameType {
	case FrameTypeInvoke:
		return fmt.Sprintf("invoke %s cancel=%v args=%d", f.Name, f.HasCancel, len(f.Args))
	case FrameTypePost:
		return fmt.Sprintf("post %s args=%d", f.Name, len(f.Args))
	case FrameTypeResult:
		return fmt.Sprintf("result value=%v", f.Value != nil)
	case FrameTypeException:
		return fmt.Sprintf("exception %s: %s", f.FaultType, f.Message)
	default:
		return f.FrameType.String()
	}
}
