package clients

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDetectFiltersByConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" || req.Width != 8 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"detections":[
			{"class_label":"BROKEN","confidence":0.91,"bbox":{"x":0.1,"y":0.1,"width":0.2,"height":0.2}},
			{"class_label":"MOLD","confidence":0.2,"bbox":{"x":0.5,"y":0.5,"width":0.1,"height":0.1}}
		]}`))
	}))
	defer srv.Close()

	c := NewDetectorClient(srv.URL, DetectorOptions{MinConfidence: 0.5})
	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 6)))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "BROKEN" || dets[0].Box.Width != 0.2 {
		t.Fatalf("unexpected detections: %+v", dets)
	}
}

func TestDetectIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewDetectorClient(srv.URL, DetectorOptions{})
	if _, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4))); err == nil {
		t.Fatal("expected error from failing detector")
	}
	if calls.Load() != 1 {
		t.Fatalf("detector called %d times, want 1", calls.Load())
	}
}

func TestDetectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewDetectorClient(srv.URL, DetectorOptions{Timeout: 50 * time.Millisecond})
	_, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if !errors.Is(err, ErrDetectorTimeout) {
		t.Fatalf("expected ErrDetectorTimeout, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewDetectorClient(srv.URL, DetectorOptions{}).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
