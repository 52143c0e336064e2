package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

// fakeCore is a minimal stand-in for the upstream agent process: it accepts
// one subscribe handshake then streams the given batches.
func fakeCore(t *testing.T, reply subscribeReply, batches []rlogtypes.Batch) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}

		payload, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}

		for _, b := range batches {
			data, err := b.Marshal()
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}

		// Keep the connection open so the client's liveness pings succeed
		// until the test closes it.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_HandshakeAndStream(t *testing.T) {
	reply := subscribeReply{
		BootstrapNeeded: true,
		Agent:           "agent-1",
		Tables:          []rlogtypes.TableSpec{{Name: "orders"}},
		StartingSeqNo:   seqno.SeqNo(0),
	}
	batches := []rlogtypes.Batch{
		{Agent: "agent-1", SeqNo: 0, TxID: "t0", Kind: rlogtypes.TxDirty},
		{Agent: "agent-1", SeqNo: 1, TxID: "t1", Kind: rlogtypes.TxDirty},
	}
	srv := fakeCore(t, reply, batches)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, result, err := Dial(ctx, wsAddr(srv), "orders", nil, "self", zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if !result.BootstrapNeeded || result.Agent != "agent-1" || len(result.Tables) != 1 {
		t.Fatalf("unexpected subscribe result: %+v", result)
	}

	for i, want := range batches {
		select {
		case got := <-client.Batches():
			if got.TxID != want.TxID || got.SeqNo != want.SeqNo {
				t.Fatalf("batch %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for batch %d", i)
		}
	}
}

func TestDial_RejectedSubscribe(t *testing.T) {
	srv := fakeCore(t, subscribeReply{Error: "shard not found"}, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := Dial(ctx, wsAddr(srv), "missing", nil, "self", zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for rejected subscribe")
	}
}
