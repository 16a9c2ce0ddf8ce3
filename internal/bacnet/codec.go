package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BVLC / NPDU / APDU framing constants.
const (
	bvlcTypeIP          = 0x81
	bvlcOriginalUnicast = 0x0A

	npduVersion        = 0x01
	npduExpectingReply = 0x04
	npduDestPresent    = 0x20
	npduSrcPresent     = 0x08

	pduConfirmedRequest = 0x00
	pduComplexAck       = 0x30
	pduError            = 0x50
	pduReject           = 0x60
	pduAbort            = 0x70

	pduSegmentedFlag = 0x08

	// Max-APDU 1476 octets, no segmentation accepted.
	maxAPDUAccepted = 0x05

	serviceReadProperty = 0x0C
)

// encodeReadProperty builds a complete BVLC frame for one confirmed
// ReadProperty request.
func encodeReadProperty(invokeID byte, ref PropertyRef) []byte {
	frame := make([]byte, 4, 24)
	frame[0] = bvlcTypeIP
	frame[1] = bvlcOriginalUnicast
	// frame[2:4] = length, patched below.

	frame = append(frame, npduVersion, npduExpectingReply)
	frame = append(frame, pduConfirmedRequest, maxAPDUAccepted, invokeID, serviceReadProperty)
	frame = appendContextObjectID(frame, 0, ref.ObjectType, ref.ObjectInstance)
	frame = appendContextUnsigned(frame, 1, uint32(ref.Property))

	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	return frame
}

// appendContextObjectID appends a context-tagged BACnetObjectIdentifier:
// 10 bits of object type, 22 bits of instance.
func appendContextObjectID(buf []byte, tagNumber byte, ot ObjectType, instance uint32) []byte {
	buf = append(buf, tagNumber<<4|0x08|4)
	oid := uint32(ot)<<22 | instance&maxObjectInstance
	return binary.BigEndian.AppendUint32(buf, oid)
}

// appendContextUnsigned appends a context-tagged unsigned integer using the
// minimal number of content octets.
func appendContextUnsigned(buf []byte, tagNumber byte, v uint32) []byte {
	content := minimalUnsigned(v)
	buf = append(buf, tagNumber<<4|0x08|byte(len(content)))
	return append(buf, content...)
}

func minimalUnsigned(v uint32) []byte {
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// reply is one decoded inbound frame relevant to a pending request.
type reply struct {
	invokeID byte
	value    Value
	err      error // protocol error reported by the device
}

// decodeFrame parses an inbound BVLC frame. Frames that cannot belong to a
// ReadProperty exchange (wrong BVLC function, foreign PDU types) return an
// error; the caller skips them and keeps listening.
func decodeFrame(raw []byte) (reply, error) {
	if len(raw) < 6 {
		return reply{}, fmt.Errorf("bacnet: short frame (%d bytes)", len(raw))
	}
	if raw[0] != bvlcTypeIP {
		return reply{}, fmt.Errorf("bacnet: not a BACnet/IP frame (type 0x%02X)", raw[0])
	}
	if raw[1] != bvlcOriginalUnicast {
		return reply{}, fmt.Errorf("bacnet: unexpected BVLC function 0x%02X", raw[1])
	}
	if declared := int(binary.BigEndian.Uint16(raw[2:4])); declared > len(raw) {
		return reply{}, fmt.Errorf("bacnet: truncated frame (declared %d, got %d)", declared, len(raw))
	} else if declared >= 6 {
		raw = raw[:declared]
	}

	apdu, err := stripNPDU(raw[4:])
	if err != nil {
		return reply{}, err
	}
	if len(apdu) < 3 {
		return reply{}, fmt.Errorf("bacnet: short apdu (%d bytes)", len(apdu))
	}

	switch apdu[0] & 0xF0 {
	case pduComplexAck:
		if apdu[0]&pduSegmentedFlag != 0 {
			return reply{}, fmt.Errorf("bacnet: segmented ack not supported")
		}
		if apdu[2] != serviceReadProperty {
			return reply{}, fmt.Errorf("bacnet: unexpected ack service %d", apdu[2])
		}
		v, err := parseReadPropertyAck(apdu[3:])
		if err != nil {
			return reply{}, err
		}
		return reply{invokeID: apdu[1], value: v}, nil

	case pduError:
		if len(apdu) < 3 {
			return reply{}, fmt.Errorf("bacnet: short error pdu")
		}
		class, code, err := parseErrorPayload(apdu[3:])
		if err != nil {
			return reply{}, err
		}
		return reply{invokeID: apdu[1], err: &ProtocolError{Kind: "error", Class: class, Code: code}}, nil

	case pduReject:
		return reply{invokeID: apdu[1], err: &ProtocolError{Kind: "reject", Code: uint32(apdu[2])}}, nil

	case pduAbort:
		return reply{invokeID: apdu[1], err: &ProtocolError{Kind: "abort", Code: uint32(apdu[2])}}, nil

	default:
		return reply{}, fmt.Errorf("bacnet: unexpected pdu type 0x%02X", apdu[0]&0xF0)
	}
}

// stripNPDU validates the NPDU header and returns the APDU that follows,
// skipping any routing (destination/source) fields a router may insert.
func stripNPDU(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("bacnet: short npdu")
	}
	if buf[0] != npduVersion {
		return nil, fmt.Errorf("bacnet: unsupported npdu version %d", buf[0])
	}
	control := buf[1]
	i := 2

	if control&npduDestPresent != 0 {
		if len(buf) < i+3 {
			return nil, fmt.Errorf("bacnet: truncated npdu destination")
		}
		dlen := int(buf[i+2])
		i += 3 + dlen
	}
	if control&npduSrcPresent != 0 {
		if len(buf) < i+3 {
			return nil, fmt.Errorf("bacnet: truncated npdu source")
		}
		slen := int(buf[i+2])
		i += 3 + slen
	}
	if control&npduDestPresent != 0 {
		i++ // hop count
	}
	if i > len(buf) {
		return nil, fmt.Errorf("bacnet: truncated npdu")
	}
	return buf[i:], nil
}

// parseReadPropertyAck decodes the service payload of a ReadProperty
// complex ack: object id [0], property [1], optional array index [2], then
// the value wrapped in opening/closing tag 3.
func parseReadPropertyAck(buf []byte) (Value, error) {
	i := 0
	for {
		h, n, err := parseTag(buf[i:])
		if err != nil {
			return Value{}, err
		}
		if !h.context {
			return Value{}, fmt.Errorf("bacnet: unexpected application tag %d in ack header", h.number)
		}
		if h.opening {
			if h.number != 3 {
				return Value{}, fmt.Errorf("bacnet: unexpected opening tag %d", h.number)
			}
			i += n
			break
		}
		// Context tags 0 (object id), 1 (property) and 2 (array index)
		// precede the value; their content is not needed here.
		i += n + h.length
		if i > len(buf) {
			return Value{}, fmt.Errorf("bacnet: truncated ack header")
		}
	}

	v, n, err := decodeApplicationValue(buf[i:])
	if err != nil {
		return Value{}, err
	}
	i += n

	h, _, err := parseTag(buf[i:])
	if err != nil {
		return Value{}, fmt.Errorf("bacnet: missing closing tag: %w", err)
	}
	if !h.context || !h.closing || h.number != 3 {
		return Value{}, fmt.Errorf("bacnet: expected closing tag 3")
	}
	return v, nil
}

// parseErrorPayload decodes the two enumerated values (class, code) of an
// Error PDU.
func parseErrorPayload(buf []byte) (uint32, uint32, error) {
	classVal, n, err := decodeApplicationValue(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("bacnet: decode error class: %w", err)
	}
	codeVal, _, err := decodeApplicationValue(buf[n:])
	if err != nil {
		return 0, 0, fmt.Errorf("bacnet: decode error code: %w", err)
	}
	return uint32(classVal.Float), uint32(codeVal.Float), nil
}

// tagHeader is one decoded tag octet (plus any extensions).
type tagHeader struct {
	number  byte
	context bool
	opening bool
	closing bool
	length  int // content octets; for application booleans this is the value
}

// parseTag decodes a tag header and returns it with its encoded size.
func parseTag(buf []byte) (tagHeader, int, error) {
	if len(buf) == 0 {
		return tagHeader{}, 0, fmt.Errorf("bacnet: empty tag")
	}
	b := buf[0]
	h := tagHeader{number: b >> 4, context: b&0x08 != 0}
	i := 1

	if h.number == 0xF {
		if len(buf) < 2 {
			return tagHeader{}, 0, fmt.Errorf("bacnet: truncated extended tag number")
		}
		h.number = buf[1]
		i = 2
	}

	lvt := b & 0x07
	switch {
	case h.context && lvt == 6:
		h.opening = true
	case h.context && lvt == 7:
		h.closing = true
	case lvt < 5:
		h.length = int(lvt)
	default: // extended length
		if len(buf) < i+1 {
			return tagHeader{}, 0, fmt.Errorf("bacnet: truncated extended length")
		}
		ext := buf[i]
		i++
		switch {
		case ext < 254:
			h.length = int(ext)
		case ext == 254:
			if len(buf) < i+2 {
				return tagHeader{}, 0, fmt.Errorf("bacnet: truncated 16-bit length")
			}
			h.length = int(binary.BigEndian.Uint16(buf[i : i+2]))
			i += 2
		default:
			return tagHeader{}, 0, fmt.Errorf("bacnet: 32-bit tag lengths not supported")
		}
	}
	return h, i, nil
}

// decodeApplicationValue decodes one application-tagged value and returns
// it with its total encoded size.
func decodeApplicationValue(buf []byte) (Value, int, error) {
	h, n, err := parseTag(buf)
	if err != nil {
		return Value{}, 0, err
	}
	if h.context {
		return Value{}, 0, fmt.Errorf("bacnet: expected application tag, got context tag %d", h.number)
	}

	tag := AppTag(h.number)
	if tag == TagBoolean {
		// For application booleans the length field carries the value.
		return Value{Tag: TagBoolean, Float: float64(h.length & 1)}, n, nil
	}

	content := buf[n:]
	if len(content) < h.length {
		return Value{}, 0, fmt.Errorf("bacnet: truncated value (tag %d, need %d bytes)", h.number, h.length)
	}
	content = content[:h.length]
	total := n + h.length

	switch tag {
	case TagNull:
		return Value{Tag: TagNull}, total, nil

	case TagUnsignedInt, TagEnumerated:
		var v uint64
		for _, b := range content {
			v = v<<8 | uint64(b)
		}
		return Value{Tag: tag, Float: float64(v)}, total, nil

	case TagSignedInt:
		if len(content) == 0 {
			return Value{}, 0, fmt.Errorf("bacnet: empty signed integer")
		}
		v := int64(int8(content[0]))
		for _, b := range content[1:] {
			v = v<<8 | int64(b)
		}
		return Value{Tag: TagSignedInt, Float: float64(v)}, total, nil

	case TagReal:
		if h.length != 4 {
			return Value{}, 0, fmt.Errorf("bacnet: real with length %d", h.length)
		}
		bits := binary.BigEndian.Uint32(content)
		return Value{Tag: TagReal, Float: float64(math.Float32frombits(bits))}, total, nil

	case TagDouble:
		if h.length != 8 {
			return Value{}, 0, fmt.Errorf("bacnet: double with length %d", h.length)
		}
		bits := binary.BigEndian.Uint64(content)
		return Value{Tag: TagDouble, Float: math.Float64frombits(bits)}, total, nil

	default:
		return Value{}, 0, fmt.Errorf("bacnet: unsupported application tag %d", h.number)
	}
}

// encodeReadPropertyAck builds a complete ack frame. Used by tests to play
// the device side of an exchange.
func encodeReadPropertyAck(invokeID byte, ref PropertyRef, value Value) []byte {
	frame := make([]byte, 4, 32)
	frame[0] = bvlcTypeIP
	frame[1] = bvlcOriginalUnicast

	frame = append(frame, npduVersion, 0x00)
	frame = append(frame, pduComplexAck, invokeID, serviceReadProperty)
	frame = appendContextObjectID(frame, 0, ref.ObjectType, ref.ObjectInstance)
	frame = appendContextUnsigned(frame, 1, uint32(ref.Property))
	frame = append(frame, 0x3E) // opening tag 3
	frame = appendApplicationValue(frame, value)
	frame = append(frame, 0x3F) // closing tag 3

	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	return frame
}

// encodeErrorPDU builds an Error reply frame for tests.
func encodeErrorPDU(invokeID byte, class, code uint32) []byte {
	frame := make([]byte, 4, 16)
	frame[0] = bvlcTypeIP
	frame[1] = bvlcOriginalUnicast

	frame = append(frame, npduVersion, 0x00)
	frame = append(frame, pduError, invokeID, serviceReadProperty)
	frame = appendApplicationValue(frame, Value{Tag: TagEnumerated, Float: float64(class)})
	frame = appendApplicationValue(frame, Value{Tag: TagEnumerated, Float: float64(code)})

	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	return frame
}

func appendApplicationValue(buf []byte, v Value) []byte {
	switch v.Tag {
	case TagNull:
		return append(buf, 0x00)
	case TagBoolean:
		b := byte(0)
		if v.Float != 0 {
			b = 1
		}
		return append(buf, byte(TagBoolean)<<4|b)
	case TagUnsignedInt, TagEnumerated:
		content := minimalUnsigned(uint32(v.Float))
		buf = append(buf, byte(v.Tag)<<4|byte(len(content)))
		return append(buf, content...)
	case TagReal:
		buf = append(buf, byte(TagReal)<<4|4)
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v.Float)))
	case TagDouble:
		buf = append(buf, byte(TagDouble)<<4|5, 8)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.Float))
	default:
		return buf
	}
}
