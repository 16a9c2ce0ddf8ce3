// Package bacnet implements the subset of BACnet/IP (ASHRAE 135 Annex J)
// the agent needs: confirmed ReadProperty requests over UDP and decoding
// of the matching acks. Devices are addressed directly by IP; no discovery,
// routing or segmentation.
package bacnet

import (
	"context"
	"fmt"
	"time"
)

// ObjectType identifies a BACnet object class.
type ObjectType uint16

const (
	ObjectAnalogInput     ObjectType = 0
	ObjectAnalogOutput    ObjectType = 1
	ObjectAnalogValue     ObjectType = 2
	ObjectBinaryInput     ObjectType = 3
	ObjectBinaryOutput    ObjectType = 4
	ObjectBinaryValue     ObjectType = 5
	ObjectMultiStateValue ObjectType = 19
	ObjectAccumulator     ObjectType = 23
)

// maxObjectInstance is the largest encodable instance number (22 bits).
const maxObjectInstance = 1<<22 - 1

// PropertyID identifies a BACnet property.
type PropertyID uint32

const (
	PropertyObjectName   PropertyID = 77
	PropertyPresentValue PropertyID = 85
	PropertyUnits        PropertyID = 117
)

// Device addresses one BACnet/IP device.
type Device struct {
	IP   string
	Port int
}

// PropertyRef names one property of one object, without the device address.
type PropertyRef struct {
	ObjectType     ObjectType
	ObjectInstance uint32
	Property       PropertyID
}

func (r PropertyRef) String() string {
	return fmt.Sprintf("%d:%d/%d", r.ObjectType, r.ObjectInstance, r.Property)
}

// ReadRequest is one ReadProperty call.
type ReadRequest struct {
	Device Device
	Ref    PropertyRef
}

// AppTag is a BACnet application datatype tag number.
type AppTag byte

const (
	TagNull        AppTag = 0
	TagBoolean     AppTag = 1
	TagUnsignedInt AppTag = 2
	TagSignedInt   AppTag = 3
	TagReal        AppTag = 4
	TagDouble      AppTag = 5
	TagEnumerated  AppTag = 9
)

// Value is one decoded property value. Every supported application type
// collapses onto Float; Tag records what the device actually sent.
type Value struct {
	Tag   AppTag
	Float float64
}

// Result pairs one PropertyRef with its read outcome.
type Result struct {
	Ref   PropertyRef
	Value Value
	Err   error
}

// Reader is the capability the collection engine depends on. Implementations
// must be safe for concurrent use and must honor the context deadline on
// every call.
type Reader interface {
	ReadProperty(ctx context.Context, req ReadRequest) (Value, error)
	ReadProperties(ctx context.Context, device Device, refs []PropertyRef) []Result
}

// TimeoutError reports that a device did not answer within the read
// deadline.
type TimeoutError struct {
	Device  Device
	Ref     PropertyRef
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bacnet: read %s from %s:%d timed out after %s",
		e.Ref, e.Device.IP, e.Device.Port, e.Elapsed.Round(time.Millisecond))
}

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError is an Error, Reject or Abort reply from the device.
type ProtocolError struct {
	Kind  string // "error", "reject", "abort"
	Class uint32 // error class, only for Kind "error"
	Code  uint32
}

func (e *ProtocolError) Error() string {
	if e.Kind == "error" {
		return fmt.Sprintf("bacnet: device error class=%s code=%s",
			errorClassName(e.Class), errorCodeName(e.Code))
	}
	return fmt.Sprintf("bacnet: device %s reason=%d", e.Kind, e.Code)
}

func errorClassName(class uint32) string {
	switch class {
	case 0:
		return "device"
	case 1:
		return "object"
	case 2:
		return "property"
	case 3:
		return "resources"
	case 5:
		return "services"
	case 7:
		return "communication"
	default:
		return fmt.Sprintf("%d", class)
	}
}

func errorCodeName(code uint32) string {
	switch code {
	case 30:
		return "timeout"
	case 31:
		return "unknown-object"
	case 32:
		return "unknown-property"
	case 25:
		return "operational-problem"
	default:
		return fmt.Sprintf("%d", code)
	}
}
