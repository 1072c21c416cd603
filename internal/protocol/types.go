package protocol

import "fmt"

// Type is the tag carried by every envelope. Request kinds reuse their own tag
// for a successful reply; TypeErr and TypeAgain are reply-only.
type Type uint32

const (
	TypeOpen    Type = 1
	TypeClose   Type = 2
	TypeRemove  Type = 3
	TypeWrite   Type = 4
	TypeRead    Type = 5
	TypeControl Type = 6
	TypeDMA     Type = 7
	TypeFlush   Type = 8
	TypeAdd     Type = 9

	// TypeErr signals a hard failure. Payload is always empty.
	TypeErr Type = 0xFFFFFFF0
	// TypeAgain signals would-block; the caller should reissue the request later.
	TypeAgain Type = 0xFFFFFFF1
)

var typeNames = map[Type]string{
	TypeOpen:    "open",
	TypeClose:   "close",
	TypeRemove:  "remove",
	TypeWrite:   "write",
	TypeRead:    "read",
	TypeControl: "control",
	TypeDMA:     "dma",
	TypeFlush:   "flush",
	TypeAdd:     "add",
	TypeErr:     "err",
	TypeAgain:   "again",
}

// RequestTypes lists the nine request kinds in tag order.
var RequestTypes = []Type{
	TypeOpen, TypeClose, TypeRemove, TypeWrite, TypeRead,
	TypeControl, TypeDMA, TypeFlush, TypeAdd,
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#x)", uint32(t))
}

// IsRequest reports whether t is one of the nine request kinds.
func (t Type) IsRequest() bool {
	return t >= TypeOpen && t <= TypeAdd
}

// ParseType resolves an operation name as printed by String.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Envelope is one message on the transport. The dispatcher owns it for the
// duration of a single handler call and never retains it.
type Envelope struct {
	Sender  uint32
	Type    Type
	Payload []byte
}
