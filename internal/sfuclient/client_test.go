package sfuclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
)

func mockSfu(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/groups/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("content-type", "application/json")
			json.NewEncoder(w).Encode(joinResponseBody{
				DemuxId:         model.DemuxId(16),
				ServerPublicKey: make([]byte, 32),
			})
		case r.Method == http.MethodGet:
			w.Header().Set("content-type", "application/json")
			json.NewEncoder(w).Encode(peekResponseBody{
				EraId:       "era-1",
				DeviceCount: 1,
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	return httptest.NewServer(mux)
}

func TestJoinParsesResponse(t *testing.T) {
	srv := mockSfu(t)
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Join(context.Background(), groupcall.JoinRequest{
		GroupId:  model.GroupId{},
		IceUfrag: "abcd",
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if resp.DemuxId != 16 {
		t.Fatalf("DemuxId = %d, want 16", resp.DemuxId)
	}
}

func TestPeekParsesResponse(t *testing.T) {
	srv := mockSfu(t)
	defer srv.Close()

	c := New(srv.URL)
	info, err := c.Peek(context.Background(), model.GroupId{})
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if info.EraId != "era-1" || info.DeviceCount != 1 {
		t.Fatalf("unexpected peek info: %+v", info)
	}
}

func TestPeekNotFoundReturnsEmptyInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/groups/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	info, err := c.Peek(context.Background(), model.GroupId{})
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if info.DeviceCount != 0 {
		t.Fatalf("expected empty info, got %+v", info)
	}
}

func TestLeaveSucceeds(t *testing.T) {
	srv := mockSfu(t)
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Leave(context.Background(), model.GroupId{}, model.DemuxId(16)); err != nil {
		t.Fatalf("Leave: %v", err)
	}
}

func TestRequestRateLimitAppliesAcrossCalls(t *testing.T) {
	srv := mockSfu(t)
	defer srv.Close()

	c := New(srv.URL, WithRequestRateLimit(1000, 1))
	for i := 0; i < 3; i++ {
		if _, err := c.Peek(context.Background(), model.GroupId{}); err != nil {
			t.Fatalf("Peek %d: %v", i, err)
		}
	}
}
