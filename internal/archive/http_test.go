package archive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newArchiveServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(srv.URL+"/", WithToken("secret"), WithHTTPClient(srv.Client()), WithRetry(3, 0))
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return client
}

func TestListAndStatus(t *testing.T) {
	client := newArchiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/sessions":
			_ = json.NewEncoder(w).Encode([]SessionRef{{ID: "abc"}, {ID: "def"}})
		case "/sessions/abc/status":
			_ = json.NewEncoder(w).Encode(Status{
				Stable: true,
				Header: map[string]string{"PatientID": "S1", "StudyDate": "20240501"},
				Items: []Item{
					{ID: "i1", Group: "t1", Name: "IM1.dcm"},
					{ID: "i2", Group: "t1", Name: "IM2.dcm"},
					{ID: "i3", Group: "bold", Name: "IM3.dcm"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	refs, err := client.ListSessions(ctx)
	if err != nil || len(refs) != 2 {
		t.Fatalf("ListSessions: %v %v", refs, err)
	}
	status, err := client.Status(ctx, refs[0])
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Stable || status.Header["PatientID"] != "S1" {
		t.Fatalf("unexpected status %+v", status)
	}
	if groups := status.Groups(); len(groups) != 2 || groups[0] != "t1" || groups[1] != "bold" {
		t.Fatalf("groups = %v", groups)
	}
}

func TestTransientStatusIsRetried(t *testing.T) {
	var calls atomic.Int32
	client := newArchiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]SessionRef{{ID: "abc"}})
	})
	refs, err := client.ListSessions(context.Background())
	if err != nil || len(refs) != 1 {
		t.Fatalf("expected success after retries: %v %v", refs, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestErrorClassification(t *testing.T) {
	client := newArchiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/gone/status":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	ctx := context.Background()
	_, err := client.Status(ctx, SessionRef{ID: "gone"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("404 must not be transient")
	}
	if _, err := client.ListSessions(ctx); !errors.Is(err, ErrTransient) {
		t.Fatalf("502 should be transient, got %v", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	client, err := NewHTTPClient(srv.URL, WithHTTPClient(srv.Client()), WithTimeout(20*time.Millisecond), WithRetry(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ListSessions(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestDownloadAndPurge(t *testing.T) {
	var purged atomic.Bool
	var downloads atomic.Int32
	client := newArchiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/abc/items/i1/file":
			downloads.Add(1)
			_, _ = w.Write([]byte("dicom-bytes"))
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/abc":
			purged.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "abc", "t1", "IM1.dcm")
	ref := SessionRef{ID: "abc"}
	item := Item{ID: "i1", Group: "t1", Name: "IM1.dcm"}
	for i := 0; i < 2; i++ {
		if err := client.Download(ctx, ref, item, dest); err != nil {
			t.Fatalf("Download: %v", err)
		}
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "dicom-bytes" {
		t.Fatalf("downloaded %q err=%v", data, err)
	}
	if downloads.Load() != 1 {
		t.Fatalf("existing file re-downloaded, calls=%d", downloads.Load())
	}
	if err := client.Purge(ctx, ref); err != nil || !purged.Load() {
		t.Fatalf("Purge: %v purged=%v", err, purged.Load())
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	if _, err := NewHTTPClient("::not a url"); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
