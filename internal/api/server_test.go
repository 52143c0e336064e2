package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/status"
)

func TestHandleStatus_ReturnsRegistrySnapshot(t *testing.T) {
	reg := status.NewRegistry(zerolog.Nop())
	reg.ShardUp(rlogtypes.Shard("s1"), "agent-a")

	s := New(reg, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap status.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(snap.Shards) != 1 || snap.Shards[0].Shard != "s1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestAddr(t *testing.T) {
	if got, want := Addr("127.0.0.1", 7654), "127.0.0.1:7654"; got != want {
		t.Fatalf("Addr() = %q, want %q", got, want)
	}
}
