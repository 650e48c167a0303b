package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/cuemby/attune/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the wire protocol version carried in every frame.
const Version = 1

var (
	// ErrProtocol is wrapped by every malformed-frame error.
	ErrProtocol = errors.New("protocol error")

	// ErrVersionMismatch is returned for frames from another protocol version.
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrProtocol)
)

// Kind distinguishes collector data from commands
type Kind uint8

const (
	KindData    Kind = 0
	KindCommand Kind = 1
)

// Command is the tag of a command frame
type Command uint8

const (
	CommandNone      Command = 0
	CommandStatus    Command = 1
	CommandAction    Command = 2
	CommandHeartbeat Command = 3
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandNone:
		return "NONE"
	case CommandStatus:
		return "STATUS"
	case CommandAction:
		return "ACTION"
	case CommandHeartbeat:
		return "HB"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// Frame is one protocol message
type Frame struct {
	Version   uint64
	Timestamp float64
	Kind      Kind
	Command   Command
	ActionID  int64
	Values    []float64
	Text      string
}

// NewData creates a data frame carrying one tick of collector output.
func NewData(ts float64, values []float64) *Frame {
	return &Frame{Version: Version, Timestamp: ts, Kind: KindData, Values: values}
}

// NewAction creates an ACTION command frame.
func NewAction(ts float64, action types.Action) *Frame {
	return &Frame{
		Version:   Version,
		Timestamp: ts,
		Kind:      KindCommand,
		Command:   CommandAction,
		ActionID:  action.ID,
		Values:    action.Values,
	}
}

// NewHeartbeat creates an HB command frame.
func NewHeartbeat(ts float64) *Frame {
	return &Frame{Version: Version, Timestamp: ts, Kind: KindCommand, Command: CommandHeartbeat}
}

// NewStatus creates a STATUS query, or a STATUS reply when text is set.
func NewStatus(ts float64, text string) *Frame {
	return &Frame{Version: Version, Timestamp: ts, Kind: KindCommand, Command: CommandStatus, Text: text}
}

// IsCommand reports whether f is a command frame with the given tag.
func (f *Frame) IsCommand(c Command) bool {
	return f.Kind == KindCommand && f.Command == c
}

// Action returns the action carried by an ACTION frame.
func (f *Frame) Action() types.Action {
	return types.Action{ID: f.ActionID, Values: f.Values}
}

const (
	fieldVersion   protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldKind      protowire.Number = 3
	fieldCommand   protowire.Number = 4
	fieldActionID  protowire.Number = 5
	fieldValues    protowire.Number = 6
	fieldText      protowire.Number = 7
)

// MarshalBinary encodes the frame body without compression.
func (f *Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 32+len(f.Values)*8+len(f.Text))

	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Version)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.Timestamp))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldCommand, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Command))
	b = protowire.AppendTag(b, fieldActionID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(f.ActionID))

	b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(f.Values)*8))
	for _, v := range f.Values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}

	if f.Text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, f.Text)
	}
	return b, nil
}

// UnmarshalBinary decodes a frame body. Frames from another protocol version
// fail with ErrVersionMismatch.
func (f *Frame) UnmarshalBinary(b []byte) error {
	*f = Frame{}
	var haveVersion bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				f.Version = v
				haveVersion = true
			case fieldKind:
				f.Kind = Kind(v)
			case fieldCommand:
				f.Command = Command(v)
			case fieldActionID:
				f.ActionID = protowire.DecodeZigZag(v)
			}
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			f.Timestamp = math.Float64frombits(v)
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			values, err := types.UnpackFloats(packed)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			f.Values = values
			b = b[n:]
		case num == fieldText && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			f.Text = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !haveVersion {
		return fmt.Errorf("%w: missing version", ErrProtocol)
	}
	if f.Version != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, f.Version, Version)
	}
	if f.Kind != KindData && f.Kind != KindCommand {
		return fmt.Errorf("%w: unknown frame kind %d", ErrProtocol, f.Kind)
	}
	return nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldVersion, fieldKind, fieldCommand, fieldActionID:
		return true
	}
	return false
}
