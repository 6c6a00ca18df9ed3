package watch

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/chatkeep/server/rpc"
)

type recorder struct {
	ch chan *jsonrpc2.Request
}

func (r *recorder) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		r.ch <- req
	}
}

func pipeConn(t *testing.T) (*jsonrpc2.Conn, *recorder) {
	t.Helper()
	a, b := net.Pipe()
	rec := &recorder{ch: make(chan *jsonrpc2.Request, 64)}
	noop := jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	server := jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(a, jsonrpc2.VSCodeObjectCodec{}), noop)
	client := jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(b, jsonrpc2.VSCodeObjectCodec{}), rec)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, rec
}

func (r *recorder) changed(t *testing.T) rpc.ChatListChangedParams {
	t.Helper()
	select {
	case req := <-r.ch:
		if req.Method != "chat.list.changed" {
			t.Fatalf("method = %q", req.Method)
		}
		var p rpc.ChatListChangedParams
		if err := json.Unmarshal(*req.Params, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
		return rpc.ChatListChangedParams{}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case req := <-r.ch:
		t.Fatalf("unexpected notification %s", req.Method)
	case <-time.After(d):
	}
}
