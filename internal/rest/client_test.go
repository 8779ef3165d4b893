package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tandemapp/chatkit/internal/access"
	"github.com/tandemapp/chatkit/internal/chaterr"
	"github.com/tandemapp/chatkit/internal/wire"
)

func newClient(t *testing.T, srv *httptest.Server, gate *access.Gate) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, "token-1", gate, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientInvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(u, "", nil, nil); !errors.Is(err, chaterr.ErrInvalidURL) {
			t.Errorf("NewClient(%q) = %v, want ErrInvalidURL", u, err)
		}
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/messages" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-1" {
			t.Errorf("Authorization = %q", auth)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["receiverId"] != "bob" || body["content"] != "hello" {
			t.Errorf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(wire.Message{
			ID: "srv-1", SenderID: "me", ReceiverID: "bob", Content: "hello", CreatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	msg, err := newClient(t, srv, nil).SendMessage(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv-1" {
		t.Errorf("msg.ID = %q, want srv-1", msg.ID)
	}
}

func TestHistoryPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/messages/alice" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("limit") != "25" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(HistoryPage{
			Messages:   []wire.Message{{ID: "m1"}},
			Pagination: Pagination{Page: 2, Limit: 25, Total: 51},
		})
	}))
	defer srv.Close()

	page, err := newClient(t, srv, nil).History(context.Background(), "alice", 2, 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Pagination.Total != 51 {
		t.Errorf("page = %+v", page)
	}
}

func TestUploadImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "cat.png" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example/cat.png"})
	}))
	defer srv.Close()

	got, err := newClient(t, srv, nil).UploadImage(context.Background(), "cat.png", strings.NewReader("pngbytes"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://cdn.example/cat.png" {
		t.Errorf("url = %q", got)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, chaterr.ErrUnauthorized},
		{404, chaterr.ErrNotFound},
		{408, chaterr.ErrTimeout},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := newClient(t, srv, nil).MarkMessageRead(context.Background(), "m1")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d -> %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestServerErrorCarriesCodeAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_, _ = w.Write([]byte(`{"message": "down for maintenance"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, nil).Conversations(context.Background())
	var srvErr *chaterr.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("err = %T, want *ServerError", err)
	}
	if srvErr.Code != 503 || srvErr.Message != "down for maintenance" {
		t.Errorf("got %+v", srvErr)
	}
	if !chaterr.Retryable(err) {
		t.Error("503 should classify as retryable")
	}
}

func TestForbiddenTripsGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	defer srv.Close()

	fired := 0
	gate := access.New(func() { fired++ })
	c := newClient(t, srv, gate)

	for i := 0; i < 3; i++ {
		if err := c.MarkConversationRead(context.Background(), "alice"); !errors.Is(err, chaterr.ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	}
	if fired != 1 {
		t.Errorf("gate fired %d times, want 1", fired)
	}
}

func TestDecodingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{broken`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, nil).Conversations(context.Background())
	if !errors.Is(err, chaterr.ErrDecoding) {
		t.Errorf("err = %v, want ErrDecoding", err)
	}
	if chaterr.Retryable(err) {
		t.Error("decoding errors must not be retryable")
	}
}

func TestConnectionRefused(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Conversations(context.Background())
	if !errors.Is(err, chaterr.ErrNoConnection) {
		t.Errorf("err = %v, want ErrNoConnection", err)
	}
}

func TestCancelledRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newClient(t, srv, nil).Conversations(ctx)
	if !errors.Is(err, chaterr.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
	if chaterr.Retryable(err) {
		t.Error("cancellation must not be retryable")
	}
}
