package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"mini-call/message"
	"mini-call/server"
)

func setupBackendAndClient(b *testing.B) *Client {
	b.Helper()
	backend := server.NewServer(nil)
	backend.HandleDefault(server.Echo)
	srv := httptest.NewServer(backend.Handler())
	b.Cleanup(srv.Close)

	c, err := NewClient(Options{Resolver: StaticResolver(srv.URL)})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

func BenchmarkDirectCall(b *testing.B) {
	c := setupBackendAndClient(b)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := c.Call(context.Background(), &Call{
			Action:    "predict",
			Payload:   &message.Payload{Data: []any{1, 2}},
			BackendFn: true,
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDirectCallConcurrent(b *testing.B) {
	c := setupBackendAndClient(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, err := c.Call(context.Background(), &Call{
				Action:    "predict",
				Payload:   &message.Payload{Data: []any{1, 2}},
				BackendFn: true,
			})
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkQueuedCall(b *testing.B) {
	c := setupBackendAndClient(b)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		res, err := c.Call(context.Background(), &Call{
			Action:    "predict",
			Payload:   &message.Payload{Data: []any{1, 2}, CallIndex: i},
			Queue:     true,
			BackendFn: true,
		})
		if err != nil || res.Session == nil {
			b.Fatal("queue unreachable")
		}
		<-res.Session.Done()
	}
}
