package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

type fakeWriter struct {
	mu    sync.Mutex
	calls map[string]int64
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{calls: make(map[string]int64)}
}

func (f *fakeWriter) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[table] += int64(len(rows))
	return int64(len(rows)), nil
}

// fakeDumpServer serves one dump stream per table request, replying with a
// single page of rows followed by a done frame carrying checkpoint.
func fakeDumpServer(t *testing.T, rowsByTable map[string][][]any, checkpoint rlogtypes.Checkpoint) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req dumpRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		page := dumpFrame{Columns: []string{"id"}, Rows: rowsByTable[req.Table]}
		payload, _ := json.Marshal(page)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}

		done := dumpFrame{Done: true, Checkpoint: checkpoint}
		payload, _ = json.Marshal(done)
		_ = conn.Write(ctx, websocket.MessageText, payload)
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun_CopiesAllTablesAndReturnsCheckpoint(t *testing.T) {
	rows := map[string][][]any{
		"orders":   {{1}, {2}},
		"invoices": {{10}},
	}
	wantCP := rlogtypes.Checkpoint("cp-1")
	srv := fakeDumpServer(t, rows, wantCP)
	defer srv.Close()

	writer := newFakeWriter()
	client := New(wsAddr(srv), writer, 2, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp, results, err := client.Run(ctx, "shard-1", []rlogtypes.TableSpec{
		{Name: "orders"}, {Name: "invoices"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(cp) != string(wantCP) {
		t.Fatalf("checkpoint = %q, want %q", cp, wantCP)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 table results, got %d", len(results))
	}
	if writer.calls["orders"] != 2 || writer.calls["invoices"] != 1 {
		t.Fatalf("unexpected row counts: %+v", writer.calls)
	}
}

func TestRun_RemoteErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		payload, _ := json.Marshal(dumpFrame{Error: "table not found"})
		_ = conn.Write(ctx, websocket.MessageText, payload)
	}))
	defer srv.Close()

	writer := newFakeWriter()
	client := New(wsAddr(srv), writer, 1, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := client.Run(ctx, "shard-1", []rlogtypes.TableSpec{{Name: "ghost"}})
	if err == nil {
		t.Fatal("expected error from remote error frame")
	}
}
