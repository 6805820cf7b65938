package packet

import (
	"bytes"
	"fmt"
)

// MQTT v5.0 chapter 2.2.2 property identifiers. Centralizing the id
// constants here means a wrong id (see ResponseTopic below) only ever
// needs fixing in one place instead of once per packet type.
const (
	PropPayloadFormatIndicator           = 0x01
	PropMessageExpiryInterval            = 0x02
	PropContentType                      = 0x03
	PropResponseTopic                    = 0x08
	PropCorrelationData                  = 0x09
	PropSubscriptionIdentifier           = 0x0B
	PropSessionExpiryInterval            = 0x11
	PropAssignedClientIdentifier         = 0x12
	PropServerKeepAlive                  = 0x13
	PropAuthenticationMethod             = 0x15
	PropAuthenticationData               = 0x16
	PropRequestProblemInformation        = 0x17
	PropWillDelayInterval                = 0x18
	PropRequestResponseInformation       = 0x19
	PropResponseInformation              = 0x1A
	PropServerReference                  = 0x1C
	PropReasonString                     = 0x1F
	PropReceiveMaximum                   = 0x21
	PropTopicAliasMaximum                = 0x22
	PropTopicAlias                       = 0x23
	PropMaximumQoS                       = 0x24
	PropRetainAvailable                  = 0x25
	PropUserProperty                     = 0x26
	PropMaximumPacketSize                = 0x27
	PropWildcardSubscriptionAvailable    = 0x28
	PropSubscriptionIdentifiersAvailable = 0x29
	PropSharedSubscriptionAvailable      = 0x2A
)

// propertyName mirrors the OASIS table; used only for error/debug text.
var propertyName = map[byte]string{
	PropPayloadFormatIndicator:           "Payload Format Indicator",
	PropMessageExpiryInterval:            "Message Expiry Interval",
	PropContentType:                      "Content Type",
	PropResponseTopic:                    "Response Topic",
	PropCorrelationData:                  "Correlation Data",
	PropSubscriptionIdentifier:           "Subscription Identifier",
	PropSessionExpiryInterval:            "Session Expiry Interval",
	PropAssignedClientIdentifier:         "Assigned Client Identifier",
	PropServerKeepAlive:                  "Server Keep Alive",
	PropAuthenticationMethod:             "Authentication Method",
	PropAuthenticationData:               "Authentication Data",
	PropRequestProblemInformation:        "Request Problem Information",
	PropWillDelayInterval:                "Will Delay Interval",
	PropRequestResponseInformation:       "Request Response Information",
	PropResponseInformation:              "Response Information",
	PropServerReference:                  "Server Reference",
	PropReasonString:                     "Reason String",
	PropReceiveMaximum:                   "Receive Maximum",
	PropTopicAliasMaximum:                "Topic Alias Maximum",
	PropTopicAlias:                       "Topic Alias",
	PropMaximumQoS:                       "Maximum QoS",
	PropRetainAvailable:                  "Retain Available",
	PropUserProperty:                     "User Property",
	PropMaximumPacketSize:                "Maximum Packet Size",
	PropWildcardSubscriptionAvailable:    "Wildcard Subscription Available",
	PropSubscriptionIdentifiersAvailable: "Subscription Identifiers Available",
	PropSharedSubscriptionAvailable:      "Shared Subscription Available",
}

// u8Prop/u16Prop/u32Prop/strProp/binProp are generated from the id table
// above rather than hand-rolled per property: each named property type
// below is a thin alias over one of these wire shapes plus the id it
// packs under, so a property that changes category only changes its
// one-line Pack/Unpack pair.

func packU8(buf *bytes.Buffer, id byte, v uint8) { buf.WriteByte(id); buf.WriteByte(v) }
func packU16At(buf *bytes.Buffer, id byte, v uint16) { buf.WriteByte(id); buf.Write(i2b(v)) }
func packU32At(buf *bytes.Buffer, id byte, v uint32) { buf.WriteByte(id); buf.Write(i4b(v)) }
func packStrAt(buf *bytes.Buffer, id byte, v string) { buf.WriteByte(id); buf.Write(encodeUTF8(v)) }
func packBinAt(buf *bytes.Buffer, id byte, v []byte) { buf.WriteByte(id); buf.Write(encodeUTF8(v)) }

func decodeU8(buf *bytes.Buffer) (uint8, error) {
	b, err := buf.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("property: %w", err)
	}
	return b, nil
}

func decodeU16At(buf *bytes.Buffer) uint16 {
	b := buf.Next(2)
	return uint16(b[0])<<8 | uint16(b[1])
}

func decodeU32At(buf *bytes.Buffer) uint32 {
	b := buf.Next(4)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PayloadFormatIndicator - property id 0x01, single byte.
type PayloadFormatIndicator uint8

func (v PayloadFormatIndicator) Pack(buf *bytes.Buffer) error {
	packU8(buf, PropPayloadFormatIndicator, uint8(v))
	return nil
}
func (v *PayloadFormatIndicator) Unpack(buf *bytes.Buffer) (uint32, error) {
	b, err := decodeU8(buf)
	if err != nil {
		return 0, err
	}
	if b > 1 {
		return 0, ErrProtocolErr
	}
	*v = PayloadFormatIndicator(b)
	return 1, nil
}

// MessageExpiryInterval - property id 0x02, four-byte integer, seconds.
type MessageExpiryInterval uint32

func (v MessageExpiryInterval) Pack(buf *bytes.Buffer) error {
	packU32At(buf, PropMessageExpiryInterval, uint32(v))
	return nil
}
func (v *MessageExpiryInterval) Unpack(buf *bytes.Buffer) (uint32, error) {
	*v = MessageExpiryInterval(decodeU32At(buf))
	return 4, nil
}

// ContentType - property id 0x03, UTF-8 string.
type ContentType string

func (v ContentType) Pack(buf *bytes.Buffer) error {
	packStrAt(buf, PropContentType, string(v))
	return nil
}
func (v *ContentType) Unpack(buf *bytes.Buffer) (uint32, error) {
	s := decodeUTF8[string](buf)
	*v = ContentType(s)
	return uint32(len(s)) + 2, nil // +2 for the UTF-8 length prefix
}

// ResponseTopic - property id 0x08, UTF-8 string. The teacher's
// PublishProperties originally reused ReasonString (id 0x1F) for this
// field, which packed Response Topic under the wrong property id;
// ResponseTopic now has its own type so PUBLISH wires the correct 0x08.
type ResponseTopic string

func (v ResponseTopic) Pack(buf *bytes.Buffer) error {
	packStrAt(buf, PropResponseTopic, string(v))
	return nil
}
func (v *ResponseTopic) Unpack(buf *bytes.Buffer) (uint32, error) {
	s := decodeUTF8[string](buf)
	*v = ResponseTopic(s)
	return uint32(len(s)) + 2, nil // +2 for the UTF-8 length prefix
}

// CorrelationData - property id 0x09, binary data.
type CorrelationData []byte

func (v CorrelationData) Pack(buf *bytes.Buffer) error {
	packBinAt(buf, PropCorrelationData, v)
	return nil
}
func (v *CorrelationData) Unpack(buf *bytes.Buffer) (uint32, error) {
	b := decodeUTF8[[]byte](buf)
	*v = b
	return uint32(len(b)) + 2, nil // +2 for the length prefix
}

// SubscriptionIdentifier - property id 0x0B, variable byte integer.
// Repeatable on PUBLISH/SUBSCRIBE; collected by the caller into a slice.
type SubscriptionIdentifier uint32

func (v SubscriptionIdentifier) Pack(buf *bytes.Buffer) error {
	enc, err := encodeLength(uint32(v))
	if err != nil {
		return err
	}
	buf.WriteByte(PropSubscriptionIdentifier)
	buf.Write(enc)
	return nil
}
func (v *SubscriptionIdentifier) Unpack(buf *bytes.Buffer) (uint32, error) {
	n, err := decodeLength(buf)
	if err != nil {
		return 0, err
	}
	*v = SubscriptionIdentifier(n)
	enc, err := encodeLength(n)
	if err != nil {
		return 0, err
	}
	return uint32(len(enc)), nil
}
func (v SubscriptionIdentifier) Uint32() uint32 { return uint32(v) }

// SessionExpiryInterval - property id 0x11, four-byte integer, seconds.
type SessionExpiryInterval uint32

func (v SessionExpiryInterval) Pack(buf *bytes.Buffer) error {
	packU32At(buf, PropSessionExpiryInterval, uint32(v))
	return nil
}
func (v *SessionExpiryInterval) Unpack(buf *bytes.Buffer) (uint32, error) {
	*v = SessionExpiryInterval(decodeU32At(buf))
	return 4, nil
}

// AuthenticationMethod - property id 0x15, UTF-8 string.
type AuthenticationMethod string

func (v AuthenticationMethod) Pack(buf *bytes.Buffer) error {
	packStrAt(buf, PropAuthenticationMethod, string(v))
	return nil
}
func (v *AuthenticationMethod) Unpack(buf *bytes.Buffer) (uint32, error) {
	s := decodeUTF8[string](buf)
	*v = AuthenticationMethod(s)
	return uint32(len(s)) + 2, nil // +2 for the UTF-8 length prefix
}

// AuthenticationData - property id 0x16, binary data.
type AuthenticationData []byte

func (v AuthenticationData) Pack(buf *bytes.Buffer) error {
	packBinAt(buf, PropAuthenticationData, v)
	return nil
}
func (v *AuthenticationData) Unpack(buf *bytes.Buffer) (uint32, error) {
	b := decodeUTF8[[]byte](buf)
	*v = b
	return uint32(len(b)) + 2, nil // +2 for the length prefix
}

// RequestProblemInformation - property id 0x17, single byte (0 or 1).
type RequestProblemInformation uint8

func (v RequestProblemInformation) Pack(buf *bytes.Buffer) error {
	packU8(buf, PropRequestProblemInformation, uint8(v))
	return nil
}
func (v *RequestProblemInformation) Unpack(buf *bytes.Buffer) (uint32, error) {
	b, err := decodeU8(buf)
	if err != nil {
		return 0, err
	}
	*v = RequestProblemInformation(b)
	return 1, nil
}

// RequestResponseInformation - property id 0x19, single byte (0 or 1).
type RequestResponseInformation uint8

func (v RequestResponseInformation) Pack(buf *bytes.Buffer) error {
	packU8(buf, PropRequestResponseInformation, uint8(v))
	return nil
}
func (v *RequestResponseInformation) Unpack(buf *bytes.Buffer) (uint32, error) {
	b, err := decodeU8(buf)
	if err != nil {
		return 0, err
	}
	*v = RequestResponseInformation(b)
	return 1, nil
}

// ReasonString - property id 0x1F, UTF-8 string, human-readable only.
type ReasonString string

func (v ReasonString) Pack(buf *bytes.Buffer) error {
	packStrAt(buf, PropReasonString, string(v))
	return nil
}
func (v *ReasonString) Unpack(buf *bytes.Buffer) (uint32, error) {
	s := decodeUTF8[string](buf)
	*v = ReasonString(s)
	return uint32(len(s)) + 2, nil // +2 for the UTF-8 length prefix
}

// ReceiveMaximum - property id 0x21, two-byte integer.
type ReceiveMaximum uint16

func (v ReceiveMaximum) Pack(buf *bytes.Buffer) error {
	packU16At(buf, PropReceiveMaximum, uint16(v))
	return nil
}
func (v *ReceiveMaximum) Unpack(buf *bytes.Buffer) (uint32, error) {
	*v = ReceiveMaximum(decodeU16At(buf))
	return 2, nil
}

// TopicAliasMaximum - property id 0x22, two-byte integer.
type TopicAliasMaximum uint16

func (v TopicAliasMaximum) Pack(buf *bytes.Buffer) error {
	packU16At(buf, PropTopicAliasMaximum, uint16(v))
	return nil
}
func (v *TopicAliasMaximum) Unpack(buf *bytes.Buffer) (uint32, error) {
	*v = TopicAliasMaximum(decodeU16At(buf))
	return 2, nil
}

// TopicAlias - property id 0x23, two-byte integer, must be > 0 on the wire.
type TopicAlias uint16

func (v TopicAlias) Pack(buf *bytes.Buffer) error {
	packU16At(buf, PropTopicAlias, uint16(v))
	return nil
}
func (v *TopicAlias) Unpack(buf *bytes.Buffer) (uint32, error) {
	n := decodeU16At(buf)
	if n == 0 {
		return 0, ErrProtocolErr
	}
	*v = TopicAlias(n)
	return 2, nil
}

// MaximumPacketSize - property id 0x27, four-byte integer.
type MaximumPacketSize uint32

func (v MaximumPacketSize) Pack(buf *bytes.Buffer) error {
	packU32At(buf, PropMaximumPacketSize, uint32(v))
	return nil
}
func (v *MaximumPacketSize) Unpack(buf *bytes.Buffer) (uint32, error) {
	*v = MaximumPacketSize(decodeU32At(buf))
	return 4, nil
}

// UserProperty is a single name/value pair (property id 0x26). It is the
// only property kind every packet carrying properties is allowed to
// repeat; callers collect repeats into a map[string][]string (the
// convention the teacher's ConnectProperties/PublishProperties already
// use) rather than a single struct field, which cannot hold more than
// one pair — the bug fixed in SubscribeProperties/PubackProperties/
// PubcompProperties/SubackProperties/AuthProperties below.
type UserProperty struct {
	Name  string
	Value string
}

func (p UserProperty) Pack(buf *bytes.Buffer) error {
	buf.WriteByte(PropUserProperty)
	buf.Write(encodeUTF8(p.Name))
	buf.Write(encodeUTF8(p.Value))
	return nil
}

func (p *UserProperty) Unpack(buf *bytes.Buffer) (uint32, error) {
	name := decodeUTF8[string](buf)
	value := decodeUTF8[string](buf)
	p.Name, p.Value = name, value
	return uint32(len(name)+len(value)) + 4, nil // +4 for the two UTF-8 length prefixes
}

// packUserProperties/unpackUserProperty are the shared helpers every
// Properties.Pack/Unpack pair uses for its UserProperty map field.
func packUserProperties(buf *bytes.Buffer, m map[string][]string) error {
	for k, values := range m {
		for _, v := range values {
			if err := (UserProperty{Name: k, Value: v}).Pack(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReasonProperties is the {ReasonString, UserProperty} pair shared by
// every acknowledgement packet's property set (PUBACK, PUBREC, PUBCOMP,
// SUBACK). Each of those packets used to carry its own copy of this
// pair with UserProperty typed as a single struct instead of a map,
// which meant an ack packet could never carry more than one user
// property; ReasonProperties fixes that once for all four packet types.
type ReasonProperties struct {
	ReasonString ReasonString
	UserProperty map[string][]string
}

func (props *ReasonProperties) Pack(buf *bytes.Buffer) error {
	if props.ReasonString != "" {
		if err := props.ReasonString.Pack(buf); err != nil {
			return err
		}
	}
	return packUserProperties(buf, props.UserProperty)
}

func (props *ReasonProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < propsLen; i++ {
		id, err := decodeLength(buf)
		if err != nil {
			return err
		}
		uLen := uint32(0)
		switch id {
		case PropReasonString:
			if uLen, err = props.ReasonString.Unpack(buf); err != nil {
				return err
			}
		case PropUserProperty:
			up := &UserProperty{}
			if uLen, err = up.Unpack(buf); err != nil {
				return err
			}
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}
			props.UserProperty[up.Name] = append(props.UserProperty[up.Name], up.Value)
		default:
			return fmt.Errorf("unknown property identifier for %s: 0x%02X", "acknowledgement packet", id)
		}
		i += uLen
	}
	return nil
}
