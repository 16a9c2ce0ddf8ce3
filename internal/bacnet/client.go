package bacnet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// ClientConfig configures a UDPClient.
type ClientConfig struct {
	// LocalAddress is the local IP outgoing sockets bind to. "0.0.0.0"
	// binds all interfaces.
	LocalAddress string
	// ConnectTimeout bounds address resolution and socket setup.
	ConnectTimeout time.Duration
	// ReadTimeout bounds one request/response exchange when the caller's
	// context carries no earlier deadline.
	ReadTimeout time.Duration
}

// UDPClient issues confirmed ReadProperty requests over BACnet/IP. Each
// call opens its own ephemeral UDP socket, so concurrent reads share
// nothing beyond the invoke-ID counter.
type UDPClient struct {
	localAddr      string
	connectTimeout time.Duration
	readTimeout    time.Duration
	invokeID       atomic.Uint32
}

var _ Reader = (*UDPClient)(nil)

// NewUDPClient builds a client. Zero config fields fall back to binding
// all interfaces with 5s timeouts.
func NewUDPClient(cfg ClientConfig) *UDPClient {
	c := &UDPClient{
		localAddr:      cfg.LocalAddress,
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    cfg.ReadTimeout,
	}
	if c.localAddr == "" {
		c.localAddr = "0.0.0.0"
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 5 * time.Second
	}
	if c.readTimeout <= 0 {
		c.readTimeout = 5 * time.Second
	}
	return c
}

// nextInvokeID rotates through the 8-bit invoke-ID space.
func (c *UDPClient) nextInvokeID() byte {
	return byte(c.invokeID.Add(1))
}

// ReadProperty performs one ReadProperty exchange: encode, send, then
// listen until the matching invoke ID answers or the deadline passes.
// The deadline is the earlier of the context's and now+ReadTimeout.
func (c *UDPClient) ReadProperty(ctx context.Context, req ReadRequest) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}

	started := time.Now()
	deadline := started.Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.Device.IP, strconv.Itoa(req.Device.Port)))
	if err != nil {
		return Value{}, fmt.Errorf("bacnet: resolve %s:%d: %w", req.Device.IP, req.Device.Port, err)
	}

	conn, err := net.ListenPacket("udp", net.JoinHostPort(c.localAddr, "0"))
	if err != nil {
		return Value{}, fmt.Errorf("bacnet: bind %s: %w", c.localAddr, err)
	}
	defer conn.Close()

	invokeID := c.nextInvokeID()
	frame := encodeReadProperty(invokeID, req.Ref)

	if err := conn.SetWriteDeadline(started.Add(c.connectTimeout)); err != nil {
		return Value{}, fmt.Errorf("bacnet: set write deadline: %w", err)
	}
	if _, err := conn.WriteTo(frame, remote); err != nil {
		return Value{}, fmt.Errorf("bacnet: send to %s: %w", remote, err)
	}

	buf := make([]byte, 1500)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return Value{}, fmt.Errorf("bacnet: set read deadline: %w", err)
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return Value{}, &TimeoutError{Device: req.Device, Ref: req.Ref, Elapsed: time.Since(started)}
			}
			return Value{}, fmt.Errorf("bacnet: read from %s: %w", remote, err)
		}
		if ua, ok := from.(*net.UDPAddr); ok && !ua.IP.Equal(remote.IP) {
			continue // datagram from an unrelated device
		}
		rep, err := decodeFrame(buf[:n])
		if err != nil {
			continue // unparseable or foreign frame; keep listening
		}
		if rep.invokeID != invokeID {
			continue // stale answer to an earlier request
		}
		if rep.err != nil {
			return Value{}, rep.err
		}
		return rep.value, nil
	}
}

// ReadProperties reads several properties of one device sequentially and
// returns one Result per ref, in order. A failed read does not stop the
// remaining ones; a canceled context fails the rest immediately.
func (c *UDPClient) ReadProperties(ctx context.Context, device Device, refs []PropertyRef) []Result {
	results := make([]Result, len(refs))
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(refs); j++ {
				results[j] = Result{Ref: refs[j], Err: err}
			}
			break
		}
		v, err := c.ReadProperty(ctx, ReadRequest{Device: device, Ref: ref})
		results[i] = Result{Ref: ref, Value: v, Err: err}
	}
	return results
}
