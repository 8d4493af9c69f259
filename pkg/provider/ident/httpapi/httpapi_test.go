package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRejectsEmptyEndpoint(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestIdentify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer vp-key" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		magic := make([]byte, 4)
		f.Read(magic)
		if string(magic) != "RIFF" {
			t.Errorf("upload is not a WAV container (magic %q)", magic)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"speaker":"alice","score":0.91}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIKey("vp-key"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.Identify(context.Background(), make([]byte, 640))
	if err != nil {
		t.Fatal(err)
	}
	if m.Speaker != "alice" || m.Score != 0.91 {
		t.Errorf("match = %+v", m)
	}
}

func TestIdentifyBelowThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"speaker":"alice","score":0.42}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithThreshold(0.6))
	if err != nil {
		t.Fatal(err)
	}
	m, err := p.Identify(context.Background(), make([]byte, 640))
	if err != nil {
		t.Fatal(err)
	}
	if m.Speaker != "" {
		t.Errorf("below-threshold match reported speaker %q", m.Speaker)
	}
}

func TestIdentifyServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Identify(context.Background(), make([]byte, 640)); err == nil {
		t.Fatal("expected error from 500 response")
	}
}
