package service_test

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"strconv"
	"testing"
	"time"

	"github.com/kms-go/mediaserver/internal/handler"
	"github.com/kms-go/mediaserver/internal/model"
	"github.com/kms-go/mediaserver/internal/server"
	"github.com/kms-go/mediaserver/internal/service"

	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

func TestSupervisor(t *testing.T) {
	t.Parallel()

	// primary and network connection configured, session and mixer not
	cfg := model.Config{
		Services: model.Services{
			Server:            &model.Endpoint{Port: model.Ptr[uint16](0)},
			NetworkConnection: &model.Endpoint{Port: model.Ptr[uint16](0)},
		},
		Supervisor: model.Supervisor{
			Status: &model.Status{Every: "PT0.05S"},
		},
	}
	supervisor := newSupervisor(t, cfg)
	errs := start(t, supervisor)

	primary := supervisor.Runner(model.ServiceServer)
	nc := supervisor.Runner(model.ServiceNetworkConnection)
	requireClosed(t, primary.Serving())
	requireClosed(t, nc.Serving())
	for _, name := range []string{model.ServiceSession, model.ServiceMixer} {
		r := supervisor.Runner(name)
		requireClosed(t, r.Done())
		require.Equal(t, server.Stopped, r.State(), name)
	}

	t.Run("rpc", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", localAddr(t, primary), timeout)
		require.NoError(t, err)
		client := jsonrpc.NewClient(conn)
		t.Cleanup(func() { _ = client.Close() })

		var reply handler.ServerConfig
		err = client.Call(handler.MediaServerService+".GetServerConfig", handler.Empty{}, &reply)
		require.NoError(t, err)
		require.Len(t, reply.Ports, 2)
	})

	t.Run("status", func(t *testing.T) {
		states := make(map[string]server.State)
		for _, st := range supervisor.Status() {
			states[st.Service] = st.State
		}
		require.Equal(t, map[string]server.State{
			model.ServiceServer:            server.Serving,
			model.ServiceSession:           server.Stopped,
			model.ServiceNetworkConnection: server.Serving,
			model.ServiceMixer:             server.Stopped,
		}, states)
	})

	// closing the primary listener ends Start and the rest of the services
	require.NoError(t, primary.Close())
	require.NoError(t, wait(t, errs))
	requireClosed(t, nc.Done())
	require.Equal(t, server.Stopped, nc.State())
}

func TestSupervisor_ServiceStopped(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		policy   string
	}{
		{"continue", model.OnServiceStopContinue},
		{"exit", model.OnServiceStopExit},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			// the mixer port is taken, so its runner fails to bind
			taken, err := net.Listen("tcp", ":0")
			require.NoError(t, err)
			t.Cleanup(func() { _ = taken.Close() })
			port := uint16(taken.Addr().(*net.TCPAddr).Port)

			cfg := model.Config{
				Services: model.Services{
					Server: &model.Endpoint{Port: model.Ptr[uint16](0)},
					Mixer:  &model.Endpoint{Port: model.Ptr(port)},
				},
				Supervisor: model.Supervisor{
					OnServiceStop:   model.Ptr(tt.policy),
					ShutdownTimeout: model.Ptr("PT2S"),
				},
			}
			supervisor := newSupervisor(t, cfg)
			errs := start(t, supervisor)
			mixer := supervisor.Runner(model.ServiceMixer)
			requireClosed(t, mixer.Done())

			if tt.policy == model.OnServiceStopExit {
				err := wait(t, errs)
				require.ErrorIs(t, err, service.ErrServiceStopped)
				require.ErrorIs(t, err, server.ErrBind)
				requireClosed(t, supervisor.Runner(model.ServiceServer).Done())
				return
			}

			primary := supervisor.Runner(model.ServiceServer)
			requireClosed(t, primary.Serving())
			select {
			case err := <-errs:
				t.Fatalf("supervisor must keep running, got %v", err)
			case <-time.After(100 * time.Millisecond):
			}
			require.Equal(t, server.Serving, primary.State())

			require.NoError(t, primary.Close())
			require.NoError(t, wait(t, errs))
		})
	}
}

func TestSupervisor_PrimaryBindFailure(t *testing.T) {
	t.Parallel()
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })
	port := uint16(taken.Addr().(*net.TCPAddr).Port)

	cfg := model.Config{
		Services: model.Services{
			Server:  &model.Endpoint{Port: model.Ptr(port)},
			Session: &model.Endpoint{Port: model.Ptr[uint16](0)},
		},
	}
	supervisor := newSupervisor(t, cfg)
	err = wait(t, start(t, supervisor))
	require.ErrorIs(t, err, server.ErrBind)
	requireClosed(t, supervisor.Runner(model.ServiceSession).Done())
}

func TestSupervisor_Cancel(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Services: model.Services{
			Server:  &model.Endpoint{Port: model.Ptr[uint16](0)},
			Session: &model.Endpoint{Port: model.Ptr[uint16](0)},
		},
	}
	supervisor := newSupervisor(t, cfg)
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	errs := make(chan error, 1)
	go func() {
		errs <- supervisor.Start(ctx)
	}()
	requireClosed(t, supervisor.Runner(model.ServiceServer).Serving())
	requireClosed(t, supervisor.Runner(model.ServiceSession).Serving())

	cancel()
	require.NoError(t, wait(t, errs))
	for _, st := range supervisor.Status() {
		require.Equal(t, server.Stopped, st.State, st.Service)
	}

	require.ErrorIs(t, supervisor.Start(t.Context()), service.ErrAlreadyStarted)
}

func TestSupervisor_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })
	port := uint16(taken.Addr().(*net.TCPAddr).Port)

	var testCases = []struct {
		scenario string
		services model.Services
	}{
		{
			"primary bind fails",
			model.Services{Server: &model.Endpoint{Port: model.Ptr(port)}},
		},
		{
			"service bind fails",
			model.Services{
				Server: &model.Endpoint{Port: model.Ptr[uint16](0)},
				Mixer:  &model.Endpoint{Port: model.Ptr(port)},
			},
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := model.Config{
				Services: tt.services,
				Supervisor: model.Supervisor{
					OnServiceStop: model.Ptr(model.OnServiceStopExit),
				},
			}
			supervisor := newSupervisor(t, cfg)
			ctx, cancel := context.WithCancel(t.Context())
			cancel()

			errs := make(chan error, 1)
			go func() {
				errs <- supervisor.Start(ctx)
			}()
			require.NoError(t, wait(t, errs))
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		cfg := model.Config{
			Services: model.Services{
				Session: &model.Endpoint{Port: model.Ptr[uint16](9500)},
				Mixer:   &model.Endpoint{Port: model.Ptr[uint16](9500)},
			},
		}
		_, err := service.New(cfg, nil)
		require.ErrorIs(t, err, model.ErrPortCollision)
	})

	t.Run("missing handler", func(t *testing.T) {
		cfg := model.Config{
			Services: model.Services{
				Mixer: &model.Endpoint{Port: model.Ptr[uint16](0)},
			},
		}
		handlers := map[string]server.Handler{
			model.ServiceServer: server.HandlerFunc(func(context.Context, net.Conn) error { return nil }),
		}
		_, err := service.New(cfg, handlers)
		require.ErrorIs(t, err, service.ErrNoHandler)
	})

	t.Run("disabled service needs no handler", func(t *testing.T) {
		handlers := map[string]server.Handler{
			model.ServiceServer: server.HandlerFunc(func(context.Context, net.Conn) error { return nil }),
		}
		supervisor, err := service.New(model.Config{}, handlers)
		require.NoError(t, err)
		for _, name := range model.ServiceNames() {
			require.NotNil(t, supervisor.Runner(name), name)
		}
		require.Nil(t, supervisor.Runner("transcoder"))
	})
}

func newSupervisor(t *testing.T, cfg model.Config) *service.Supervisor {
	t.Helper()
	handlers, err := handler.Handlers(cfg)
	require.NoError(t, err)
	supervisor, err := service.New(cfg, handlers)
	require.NoError(t, err)
	return supervisor
}

func start(t *testing.T, supervisor *service.Supervisor) <-chan error {
	t.Helper()
	errs := make(chan error, 1)
	go func() {
		errs <- supervisor.Start(t.Context())
	}()
	return errs
}

func wait(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(timeout):
		t.Fatal("supervisor did not return")
	}
	return nil
}

func requireClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal("channel not closed")
	}
}

func localAddr(t *testing.T, r *server.Runner) string {
	t.Helper()
	addr := r.Addr()
	require.NotNil(t, addr)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.(*net.TCPAddr).Port))
}
