package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"mini-call/config"
	"mini-call/message"
	"mini-call/registry"
	"mini-call/server"
	"mini-call/status"
	"mini-call/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdEndpoint = "127.0.0.1:2379"

func requireEtcd(t *testing.T) {
	t.Helper()
	cli, err := clientv3.New(clientv3.Config{Endpoints: []string{etcdEndpoint}, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, etcdEndpoint); err != nil {
		t.Skipf("etcd not available: %v", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// Client → etcd discovery → consistent hash → backend, over both the direct path and the queue.
func TestFullIntegrationWithEtcd(t *testing.T) {
	requireEtcd(t)

	reg, err := registry.NewEtcdRegistry([]string{etcdEndpoint}, time.Second)
	require.NoError(t, err)
	defer reg.Close()

	service := fmt.Sprintf("compute-it-%d", time.Now().UnixNano())
	addr := freeAddr(t)
	backend := server.NewServer(nil)
	backend.HandleDefault(server.Echo)
	go backend.Serve(addr, "http://"+addr, service, reg)
	t.Cleanup(func() { backend.Shutdown(3 * time.Second) })
	time.Sleep(200 * time.Millisecond)

	cfg := config.Default()
	cfg.BaseURL = ""
	cfg.Discovery.EtcdEndpoints = []string{etcdEndpoint}
	cfg.Discovery.Service = service

	c, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), &Call{
		Action:    "predict",
		Payload:   &message.Payload{Data: []any{"direct"}, CallIndex: 0},
		BackendFn: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"direct"}, res.Response.Data)

	tracker := status.NewTracker()
	res, err = c.Call(context.Background(), &Call{
		Action:    "predict",
		Payload:   &message.Payload{Data: []any{"queued"}, CallIndex: 1},
		Queue:     true,
		BackendFn: true,
		Sink:      tracker,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := res.Session.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.StateClosedSuccess, state)
	phase, _ := tracker.Phase(1)
	assert.Equal(t, message.PhaseComplete, phase)
}
