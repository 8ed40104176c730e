// Package handler exposes the media server services over JSON-RPC. Each
// accepted connection gets its own codec, requests on it are dispatched by
// net/rpc.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/kms-go/mediaserver/internal/model"
	"github.com/kms-go/mediaserver/internal/server"
)

// RPC names of the service contracts.
const (
	MediaServerService       = "MediaServerService"
	MediaSessionService      = "MediaSessionService"
	NetworkConnectionService = "NetworkConnectionService"
	MixerService             = "MixerService"
)

type Empty struct{}

type Pong struct {
	Service string
	Time    time.Time
}

// ServerConfig is the reply of MediaServerService.GetServerConfig, it lists
// the ports of the enabled services.
type ServerConfig struct {
	Address string
	Ports   map[string]uint16
}

// RPC serves a single registered receiver over JSON-RPC.
type RPC struct {
	srv *rpc.Server
}

func NewRPC(name string, rcvr any) (*RPC, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(name, rcvr); err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return &RPC{srv: srv}, nil
}

// ServeConn serves requests one after another on the calling goroutine until
// the peer closes the connection. A panicking method propagates to the caller,
// which owns recovery. Cancellation is handled by the caller closing conn.
func (h *RPC) ServeConn(ctx context.Context, conn net.Conn) error {
	codec := &headerCodec{ServerCodec: jsonrpc.NewServerCodec(conn)}
	for {
		err := h.srv.ServeRequest(codec)
		if codec.err != nil {
			if ctx.Err() != nil || closed(codec.err) {
				return nil
			}
			return fmt.Errorf("reading request: %w", codec.err)
		}
		if err != nil {
			// unknown method or bad arguments, the client already got the error
			slog.DebugContext(ctx, "request rejected", "error", err)
		}
	}
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// headerCodec remembers the last header read error: ServeRequest reports
// broken streams and rejected requests the same way.
type headerCodec struct {
	rpc.ServerCodec
	err error
}

func (c *headerCodec) ReadRequestHeader(r *rpc.Request) error {
	c.err = c.ServerCodec.ReadRequestHeader(r)
	return c.err
}

// Handlers builds the handler of every known service.
func Handlers(cfg model.Config) (map[string]server.Handler, error) {
	rcvrs := []struct {
		service string
		name    string
		rcvr    any
	}{
		{model.ServiceServer, MediaServerService, &MediaServer{pinger: pinger{MediaServerService}, cfg: cfg}},
		{model.ServiceSession, MediaSessionService, &MediaSession{pinger{MediaSessionService}}},
		{model.ServiceNetworkConnection, NetworkConnectionService, &NetworkConnection{pinger{NetworkConnectionService}}},
		{model.ServiceMixer, MixerService, &Mixer{pinger{MixerService}}},
	}

	ret := make(map[string]server.Handler, len(rcvrs))
	for _, r := range rcvrs {
		h, err := NewRPC(r.name, r.rcvr)
		if err != nil {
			return nil, err
		}
		ret[r.service] = h
	}
	return ret, nil
}

type pinger struct {
	name string
}

func (p pinger) Ping(_ Empty, reply *Pong) error {
	*reply = Pong{Service: p.name, Time: time.Now().UTC()}
	return nil
}

type MediaServer struct {
	pinger
	cfg model.Config
}

func (s *MediaServer) GetServerConfig(_ Empty, reply *ServerConfig) error {
	ports := make(map[string]uint16)
	for _, spec := range s.cfg.Specs() {
		if spec.Enabled {
			ports[spec.Name] = spec.Port
		}
	}
	*reply = ServerConfig{Address: s.cfg.Address, Ports: ports}
	return nil
}

type MediaSession struct {
	pinger
}

type NetworkConnection struct {
	pinger
}

type Mixer struct {
	pinger
}
