// Package stun implements the subset of STUN (RFC 5389) and TURN (RFC 5766)
// message handling needed by an ICE agent: the 20-byte header, TLV encoded
// attributes with 4-byte alignment, message integrity and fingerprint
// trailers, and XOR address transforms.
package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Message classes, per RFC 5389 §6.
const (
	ClassRequest         = 0
	ClassIndication      = 1
	ClassSuccessResponse = 2
	ClassErrorResponse   = 3
)

// Methods used by ICE and TURN.
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003 // RFC 5766 §6
	MethodRefresh          = 0x004 // RFC 5766 §7
	MethodSend             = 0x006 // RFC 5766 §10
	MethodData             = 0x007 // RFC 5766 §10
	MethodCreatePermission = 0x008 // RFC 5766 §9
	MethodChannelBind      = 0x009 // RFC 5766 §11
)

const (
	HeaderLength        = 20
	MagicCookie         = 0x2112A442
	TransactionIDLength = 12

	// Wire type of a TURN Data indication, i.e. the composed message type for
	// (ClassIndication, MethodData). Exposed for fast demultiplexing before a
	// full parse.
	DataIndicationType = 0x0017
)

const magicCookieBytes = "\x21\x12\xA4\x42"

// A STUN message: header fields plus attributes in wire order.
type Message struct {
	// Message length in bytes, NOT including the 20-byte header.
	Length uint16

	// Message class, 2 bits.
	Class uint16

	// Message method, 12 bits.
	Method uint16

	// Globally unique transaction ID, 12 bytes.
	TransactionID string

	// Attributes with meaning determined by the class and method.
	Attributes []*Attribute
}

// Figure 2: Format of STUN Message Header
//     0                   1                   2                   3
//     0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |0 0|     STUN Message Type     |         Message Length        |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                         Magic Cookie                          |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                                                               |
//    |                     Transaction ID (96 bits)                  |
//    |                                                               |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

// IsMessage reports whether data plausibly starts a STUN message: two zero
// top bits and the magic cookie in place.
func IsMessage(data []byte) bool {
	return len(data) >= HeaderLength &&
		data[0]>>6 == 0 &&
		binary.BigEndian.Uint32(data[4:8]) == MagicCookie
}

// Parse decodes a complete STUN message, header and attributes.
func Parse(data []byte) (*Message, error) {
	msg, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if int(msg.Length)+HeaderLength > len(data) {
		return nil, ErrMalformedHeader
	}

	b := bytes.NewBuffer(data[HeaderLength : HeaderLength+int(msg.Length)])
	for b.Len() > 0 {
		attr, err := parseAttribute(b)
		if err != nil {
			return msg, err
		}
		msg.Attributes = append(msg.Attributes, attr)
	}
	return msg, nil
}

func parseHeader(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, ErrMalformedHeader
	}

	// The top two bits of the message type must be 0.
	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil, ErrMalformedHeader
	}

	// The length must be a multiple of 4 bytes.
	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil, ErrMalformedHeader
	}

	if binary.BigEndian.Uint32(data[4:8]) != MagicCookie {
		return nil, ErrMalformedHeader
	}

	class, method := DecomposeType(messageType)
	return &Message{
		Length:        length,
		Class:         class,
		Method:        method,
		TransactionID: string(data[8:20]),
	}, nil
}

// Figure 3: Format of STUN Message Type Field
//     0                 1
//     2  3  4 5 6 7 8 9 0 1 2 3 4 5
//    +--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//    |M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//    |11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//    +--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	classMask1  = 0x0100
	classMask2  = 0x0010
	methodMask1 = 0x3e00
	methodMask2 = 0x00e0
	methodMask3 = 0x000f
)

// ComposeType interleaves a 2-bit class and 12-bit method into the 14-bit
// wire message type.
func ComposeType(class, method uint16) uint16 {
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

// DecomposeType splits the wire message type back into class and method.
func DecomposeType(t uint16) (class, method uint16) {
	class = (t&classMask1)>>7 | (t&classMask2)>>4
	method = (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return
}

// New constructs a message with the given class, method and transaction ID.
// An empty transaction ID is replaced with a random one.
func New(class, method uint16, transactionID string) *Message {
	if class>>2 != 0 {
		panic(fmt.Sprintf("stun: invalid message class: %#x", class))
	}
	if method>>12 != 0 {
		panic(fmt.Sprintf("stun: invalid method: %#x", method))
	}

	if transactionID == "" {
		transactionID = NewTransactionID("")
	} else if len(transactionID) != TransactionIDLength {
		panic("stun: invalid transaction ID: " + transactionID)
	}
	return &Message{
		Class:         class,
		Method:        method,
		TransactionID: transactionID,
	}
}

// NewTransactionID returns a 12-byte transaction ID beginning with the given
// prefix, with the remainder filled from crypto/rand.
func NewTransactionID(prefix string) string {
	if len(prefix) > TransactionIDLength {
		panic("stun: transaction ID prefix too long: " + prefix)
	}
	buf := make([]byte, TransactionIDLength)
	copy(buf, prefix)
	rand.Read(buf[len(prefix):])
	return string(buf)
}

// Bytes serialises the message, header first, attributes in order.
func (msg *Message) Bytes() []byte {
	buf := make([]byte, HeaderLength+msg.Length)
	b := bytes.NewBuffer(buf)
	binary.BigEndian.PutUint16(b.Next(2), ComposeType(msg.Class, msg.Method))
	binary.BigEndian.PutUint16(b.Next(2), msg.Length)
	binary.BigEndian.PutUint32(b.Next(4), MagicCookie)
	copy(b.Next(TransactionIDLength), msg.TransactionID)
	for _, attr := range msg.Attributes {
		writeAttribute(attr, b)
	}
	return buf
}

// AddAttribute appends an attribute, copying the value, and accounts for it
// in the message length.
func (msg *Message) AddAttribute(t uint16, v []byte) *Attribute {
	vcopy := make([]byte, len(v))
	copy(vcopy, v)
	attr := &Attribute{t, uint16(len(v)), vcopy}
	msg.Attributes = append(msg.Attributes, attr)
	msg.Length += uint16(attr.numBytes())
	return attr
}

// Attribute returns the first attribute of the given type, or nil.
func (msg *Message) Attribute(t uint16) *Attribute {
	for _, attr := range msg.Attributes {
		if attr.Type == t {
			return attr
		}
	}
	return nil
}

// HasAttribute reports the presence of a (possibly zero-length) attribute.
func (msg *Message) HasAttribute(t uint16) bool {
	return msg.Attribute(t) != nil
}

func (msg *Message) String() string {
	b := new(strings.Builder)
	switch msg.Class {
	case ClassRequest:
		b.WriteString("request")
	case ClassIndication:
		b.WriteString("indication")
	case ClassSuccessResponse:
		b.WriteString("success response")
	case ClassErrorResponse:
		b.WriteString("error response")
	}
	fmt.Fprintf(b, " %s", methodName(msg.Method))
	fmt.Fprintf(b, ", tid=%s", hex.EncodeToString([]byte(msg.TransactionID)))
	for _, attr := range msg.Attributes {
		attr.describe(b, msg.TransactionID)
	}
	return b.String()
}

func methodName(method uint16) string {
	switch method {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("method %#x", method)
	}
}

// Figure 4: Format of STUN Attributes
//     0                   1                   2                   3
//     0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |         Type                  |            Length             |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                         Value (variable)                ....
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Attribute struct {
	Type   uint16
	Length uint16
	Value  []byte
}

func parseAttribute(b *bytes.Buffer) (*Attribute, error) {
	if b.Len() < 4 {
		return nil, ErrTruncatedAttribute
	}

	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return nil, ErrTruncatedAttribute
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length)) // discard bytes until next 4-byte boundary
	return &Attribute{typ, length, value}, nil
}

func writeAttribute(attr *Attribute, b *bytes.Buffer) {
	binary.BigEndian.PutUint16(b.Next(2), attr.Type)
	binary.BigEndian.PutUint16(b.Next(2), attr.Length)
	copy(b.Next(int(attr.Length)), attr.Value)
	copy(b.Next(pad4(attr.Length)), zeros)
}

// Total size of the attribute in bytes, including the 4-byte header and
// padding.
func (attr *Attribute) numBytes() int {
	return 4 + int(attr.Length) + pad4(attr.Length)
}

// Number of extra bytes needed to pad the given length to a 4-byte boundary:
// 0, 1, 2 or 3.
func pad4(n uint16) int {
	return -int(n) & 3
}

var zeros = make([]byte, 32)
