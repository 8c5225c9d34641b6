package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
	"i4.energy/across/cellink/socket"
)

// Chip socket settings: no inactivity timeout, 60s to connect, 5s to
// flush a send.
const (
	sockMaxTimeout  = 0
	sockConnTimeout = 600
	sockTxTimeout   = 50
	// ringWithLength makes +SQNSRING carry the buffered byte count.
	ringWithLength = 1
)

// Open connects a socket to host:port. It fails at once with
// socket.ErrNoFreeSlot when every slot is bound.
func (d *Driver) Open(ctx context.Context, proto codec.Protocol, host string, port int) (socket.Handle, error) {
	return d.open(ctx, proto, host, port, 0)
}

// OpenSecure connects a TLS socket to host:port using a security profile
// set up with ConfigureSecurityProfile.
func (d *Driver) OpenSecure(ctx context.Context, host string, port, profile int) (socket.Handle, error) {
	if profile < 1 {
		return socket.Handle{}, fmt.Errorf("open: %w: security profile %d", codec.ErrInvalidArgument, profile)
	}
	return d.open(ctx, codec.TCP, host, port, profile)
}

func (d *Driver) open(ctx context.Context, proto codec.Protocol, host string, port, profile int) (socket.Handle, error) {
	dial := codec.SocketDial{ConnID: 1, Protocol: proto, Host: host, Port: port}
	if _, err := dial.Encode(); err != nil {
		return socket.Handle{}, fmt.Errorf("open: %w", err)
	}
	if _, err := (codec.SocketSecurity{ConnID: 1, Profile: profile}).Encode(); err != nil {
		return socket.Handle{}, fmt.Errorf("open: %w", err)
	}
	if err := d.require(session.BearerActive); err != nil {
		return socket.Handle{}, fmt.Errorf("open: %w", err)
	}

	h, err := d.sockets.Reserve(proto, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return socket.Handle{}, fmt.Errorf("open: %w", err)
	}
	id := h.ConnID()
	dial.ConnID = id

	err = d.retry(ctx, ClassSocketOpen, func(ctx context.Context) error {
		for _, req := range []codec.Request{
			codec.SocketConfig{ConnID: id, CID: d.cid, MaxTimeout: sockMaxTimeout, ConnTimeout: sockConnTimeout, TxTimeout: sockTxTimeout},
			codec.SocketConfigExt{ConnID: id, RingMode: ringWithLength, HexRecv: true, HexSend: true},
			// the chip keeps the setting of the previous socket on this id
			codec.SocketSecurity{ConnID: id, Profile: profile},
			dial,
		} {
			if _, err := d.issue(ctx, session.BearerActive, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.abandon(ctx, h, err)
		return socket.Handle{}, fmt.Errorf("open %v: %w", h, err)
	}
	if err := d.sockets.Opened(h); err != nil {
		return socket.Handle{}, fmt.Errorf("open %v: %w", h, err)
	}
	d.logger.Info("Socket open", "socket", h, "protocol", proto, "host", host, "port", port, "profile", profile)
	return h, nil
}

// abandon frees the slot of a socket that failed to open. A dial that
// timed out may still connect, so the chip socket is closed first.
func (d *Driver) abandon(ctx context.Context, h socket.Handle, cause error) {
	var rej *codec.ChipRejected
	if errors.As(cause, &rej) || errors.Is(cause, codec.ErrInvalidArgument) {
		d.sockets.Release(h)
		return
	}
	if err := d.sockets.BeginClose(h); err != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := d.closeChip(ctx, h); err != nil {
		d.logger.Warn("Socket left closing", "socket", h, "error", err)
	}
}

// Send writes at most socket.MaxChunk bytes of b and returns how many
// were accepted. Sends are never retried.
func (d *Driver) Send(ctx context.Context, h socket.Handle, b []byte) (int, error) {
	if _, err := d.sockets.Get(h); err != nil {
		return 0, fmt.Errorf("send %v: %w", h, err)
	}
	if len(b) == 0 {
		return 0, nil
	}
	n := min(len(b), socket.MaxChunk)

	err := d.retry(ctx, ClassSocketIO, func(ctx context.Context) error {
		_, err := d.issue(ctx, session.BearerActive, codec.SocketSend{ConnID: h.ConnID(), Data: b[:n]})
		return err
	})
	if err != nil {
		d.sockets.SetError(h, err)
		return 0, fmt.Errorf("send %v: %w", h, err)
	}
	return n, nil
}

// Receive returns at most size bytes the chip holds for the socket. It
// never waits for data: with nothing pending it returns an empty slice.
// A pending count older than the staleness window is asked again first.
func (d *Driver) Receive(ctx context.Context, h socket.Handle, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("receive %v: %w: size %d", h, codec.ErrInvalidArgument, size)
	}
	info, err := d.sockets.Get(h)
	if err != nil {
		return nil, fmt.Errorf("receive %v: %w", h, err)
	}

	pending := info.Pending
	if info.PendingAt.IsZero() || d.clock.Since(info.PendingAt) > d.staleAfter {
		st, err := ask[codec.SocketStatus](ctx, d, session.BearerActive, codec.SocketInfo{ConnID: h.ConnID()})
		if err != nil {
			d.sockets.SetError(h, err)
			return nil, fmt.Errorf("receive %v: %w", h, err)
		}
		if err := d.sockets.SetPending(h, st.Buffered, d.clock.Now()); err != nil {
			return nil, fmt.Errorf("receive %v: %w", h, err)
		}
		pending = st.Buffered
	}
	if pending == 0 {
		return []byte{}, nil
	}

	want := min(size, pending, socket.MaxChunk)
	var data codec.SocketData
	err = d.retry(ctx, ClassSocketIO, func(ctx context.Context) error {
		data, err = ask[codec.SocketData](ctx, d, session.BearerActive, codec.SocketRecv{ConnID: h.ConnID(), Max: want})
		return err
	})
	if err != nil {
		d.sockets.SetError(h, err)
		return nil, fmt.Errorf("receive %v: %w", h, err)
	}
	if len(data.Data) < want {
		// the chip held less than announced
		err = d.sockets.SetPending(h, 0, d.clock.Now())
	} else {
		err = d.sockets.Consume(h, len(data.Data))
	}
	if err != nil {
		return nil, fmt.Errorf("receive %v: %w", h, err)
	}
	return data.Data, nil
}

// Close closes the socket. Its slot is reused only once the chip
// confirmed the close; when the chip does not answer the slot stays
// closing until the chip reports the socket closed.
func (d *Driver) Close(ctx context.Context, h socket.Handle) error {
	if err := d.sockets.BeginClose(h); err != nil {
		return fmt.Errorf("close %v: %w", h, err)
	}
	if err := d.closeChip(ctx, h); err != nil {
		return fmt.Errorf("close %v: %w", h, err)
	}
	return nil
}

func (d *Driver) closeChip(ctx context.Context, h socket.Handle) error {
	_, err := d.issue(ctx, session.BearerActive, codec.SocketClose{ConnID: h.ConnID()})
	var rej *codec.ChipRejected
	switch {
	case err == nil:
	case errors.As(err, &rej):
		// the chip no longer knows the socket
		d.logger.Debug("Close refused, socket already gone", "socket", h, "error", rej)
	default:
		return err
	}
	if err := d.sockets.Release(h); err != nil && !errors.Is(err, socket.ErrClosed) {
		return err
	}
	return nil
}
