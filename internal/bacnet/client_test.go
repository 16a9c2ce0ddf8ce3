package bacnet

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// startFakeDevice binds a loopback UDP socket and answers every request
// with the frames respond produces. A nil respond makes the device silent.
func startFakeDevice(t *testing.T, respond func(invokeID byte, instance uint32) [][]byte) Device {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind fake device: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if respond == nil || n < 15 {
				continue
			}
			// Invoke ID and the object identifier sit at fixed offsets in
			// our request frames.
			invokeID := buf[8]
			oid := binary.BigEndian.Uint32(buf[11:15])
			for _, frame := range respond(invokeID, oid&maxObjectInstance) {
				if _, err := pc.WriteTo(frame, from); err != nil {
					return
				}
			}
		}
	}()

	addr := pc.LocalAddr().(*net.UDPAddr)
	return Device{IP: "127.0.0.1", Port: addr.Port}
}

func newTestClient(readTimeout time.Duration) *UDPClient {
	return NewUDPClient(ClientConfig{
		LocalAddress: "127.0.0.1",
		ReadTimeout:  readTimeout,
	})
}

// TestReadPropertySuccess runs a full request/ack exchange against a fake
// device.
func TestReadPropertySuccess(t *testing.T) {
	ref := PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 3001, Property: PropertyPresentValue}
	dev := startFakeDevice(t, func(invokeID byte, _ uint32) [][]byte {
		return [][]byte{encodeReadPropertyAck(invokeID, ref, Value{Tag: TagReal, Float: 123.5})}
	})

	c := newTestClient(2 * time.Second)
	v, err := c.ReadProperty(context.Background(), ReadRequest{Device: dev, Ref: ref})
	if err != nil {
		t.Fatalf("ReadProperty: %v", err)
	}
	if v.Tag != TagReal || v.Float != 123.5 {
		t.Fatalf("got tag %d value %v, want real 123.5", v.Tag, v.Float)
	}
}

// TestReadPropertyDeviceError verifies Error PDUs surface as ProtocolError.
func TestReadPropertyDeviceError(t *testing.T) {
	ref := PropertyRef{ObjectType: ObjectAnalogInput, ObjectInstance: 4, Property: PropertyPresentValue}
	dev := startFakeDevice(t, func(invokeID byte, _ uint32) [][]byte {
		return [][]byte{encodeErrorPDU(invokeID, 1, 31)}
	})

	c := newTestClient(2 * time.Second)
	_, err := c.ReadProperty(context.Background(), ReadRequest{Device: dev, Ref: ref})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Class != 1 || perr.Code != 31 {
		t.Fatalf("got class %d code %d, want 1 / 31", perr.Class, perr.Code)
	}
}

// TestReadPropertyTimeout verifies a silent device produces a TimeoutError
// once the read deadline passes.
func TestReadPropertyTimeout(t *testing.T) {
	dev := startFakeDevice(t, nil)

	c := newTestClient(100 * time.Millisecond)
	start := time.Now()
	_, err := c.ReadProperty(context.Background(), ReadRequest{
		Device: dev,
		Ref:    PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 1, Property: PropertyPresentValue},
	})
	elapsed := time.Since(start)

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !terr.Timeout() {
		t.Fatal("Timeout() should report true")
	}
	if elapsed < 90*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("unexpected elapsed %v", elapsed)
	}
}

// TestReadPropertyContextDeadline verifies the context deadline wins when
// it is earlier than the configured read timeout.
func TestReadPropertyContextDeadline(t *testing.T) {
	dev := startFakeDevice(t, nil)

	c := newTestClient(10 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.ReadProperty(ctx, ReadRequest{
		Device: dev,
		Ref:    PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 1, Property: PropertyPresentValue},
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("read did not honor context deadline, took %v", elapsed)
	}
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

// TestReadPropertySkipsStaleReplies verifies a reply with a mismatched
// invoke ID is discarded while the client keeps listening.
func TestReadPropertySkipsStaleReplies(t *testing.T) {
	ref := PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 8, Property: PropertyPresentValue}
	dev := startFakeDevice(t, func(invokeID byte, _ uint32) [][]byte {
		return [][]byte{
			encodeReadPropertyAck(invokeID+1, ref, Value{Tag: TagReal, Float: -1}),
			{0xDE, 0xAD, 0xBE, 0xEF},
			encodeReadPropertyAck(invokeID, ref, Value{Tag: TagReal, Float: 7}),
		}
	})

	c := newTestClient(2 * time.Second)
	v, err := c.ReadProperty(context.Background(), ReadRequest{Device: dev, Ref: ref})
	if err != nil {
		t.Fatalf("ReadProperty: %v", err)
	}
	if v.Float != 7 {
		t.Fatalf("got %v, want 7 (stale reply must be skipped)", v.Float)
	}
}

// TestReadPropertiesKeepsOrder verifies per-ref results stay aligned and
// one failing read does not sink the rest.
func TestReadPropertiesKeepsOrder(t *testing.T) {
	refs := []PropertyRef{
		{ObjectType: ObjectAnalogValue, ObjectInstance: 1, Property: PropertyPresentValue},
		{ObjectType: ObjectAnalogValue, ObjectInstance: 2, Property: PropertyPresentValue},
		{ObjectType: ObjectAnalogValue, ObjectInstance: 3, Property: PropertyPresentValue},
	}
	dev := startFakeDevice(t, func(invokeID byte, instance uint32) [][]byte {
		// Instance 2 answers with a device error, the rest with their
		// instance number as the value.
		if instance == 2 {
			return [][]byte{encodeErrorPDU(invokeID, 1, 31)}
		}
		ref := PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: instance, Property: PropertyPresentValue}
		return [][]byte{encodeReadPropertyAck(invokeID, ref, Value{Tag: TagReal, Float: float64(instance)})}
	})

	c := newTestClient(2 * time.Second)
	results := c.ReadProperties(context.Background(), dev, refs)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, res := range results {
		if res.Ref != refs[i] {
			t.Fatalf("result %d: ref %v out of order", i, res.Ref)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("unexpected errors: %v / %v", results[0].Err, results[2].Err)
	}
	if results[0].Value.Float != 1 || results[2].Value.Float != 3 {
		t.Fatalf("values misaligned: got %v / %v, want 1 / 3", results[0].Value.Float, results[2].Value.Float)
	}
	if results[1].Err == nil {
		t.Fatal("expected device error for second ref")
	}
}

// TestReadPropertyCanceledContext verifies an already-canceled context
// fails fast without touching the network.
func TestReadPropertyCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(time.Second)
	_, err := c.ReadProperty(ctx, ReadRequest{
		Device: Device{IP: "127.0.0.1", Port: 47808},
		Ref:    PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 1, Property: PropertyPresentValue},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
