package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PUBREC 发布收到报文 (QoS 2, 第一步)
//
// MQTT v3.1.1: 参考章节 3.5 PUBREC - Publish received (QoS 2 publish received, part 1)
// MQTT v5.0: 参考章节 3.5 PUBREC - Publish received (QoS 2 publish received, part 1)
//
// 报文结构:
// 固定报头: 报文类型0x05，标志位必须为0
// 可变报头: 报文标识符、原因码(v5.0)、PUBREC属性(v5.0)
// 载荷: 无载荷
//
// 用途:
// - 对QoS 2的PUBLISH报文的第一次确认
// - 发送方收到PUBREC后应回复PUBREL，接收方收到PUBREL后回复PUBCOMP完成QoS 2交接
type PUBREC struct {
	*FixedHeader

	// PacketID 报文标识符，必须与对应的PUBLISH报文一致
	PacketID uint16

	// ReasonCode 原因码 (v5.0新增)，v3.1.1没有原因码
	ReasonCode ReasonCode

	// Props PUBREC属性 (v5.0新增)
	Props *PubrecProperties
}

func (pkt *PUBREC) Kind() byte {
	return 0x5
}

func (pkt *PUBREC) Pack(w io.Writer) error {
	// 固定报头标志位必须为0
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 0, 0

	buf := GetBuffer()
	defer PutBuffer(buf)
	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		buf.WriteByte(pkt.ReasonCode.Code)

		if pkt.Props == nil {
			pkt.Props = &PubrecProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		propsLen, err := encodeLength(len(b))
		if err != nil {
			return err
		}
		buf.Write(propsLen)
		buf.Write(b)
	}
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBREC) Unpack(buf *bytes.Buffer) error {
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))

	if pkt.Version == VERSION500 {
		if pkt.RemainingLength == 2 {
			// a missing reason code means success [MQTT-3.5.2-1]
			pkt.ReasonCode.Code = 0x00
			return nil
		}
		pkt.ReasonCode.Code = buf.Next(1)[0]

		pkt.Props = &PubrecProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	return nil
}

// PubrecProperties carries the ReasonString/UserProperty pair common to
// every acknowledgement packet; see ReasonProperties.
type PubrecProperties struct {
	ReasonProperties
}

func (props *PubrecProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if err := props.ReasonProperties.Pack(buf); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (props *PubrecProperties) Unpack(buf *bytes.Buffer) error {
	if buf.Len() == 0 {
		return nil
	}
	return props.ReasonProperties.Unpack(buf)
}
