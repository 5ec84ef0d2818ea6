package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateImageSendsFixedRequestShape(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req imagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "black-forest-labs/flux-schnell" || req.N != 1 ||
			req.Size != "1024x1024" || req.ResponseFormat != "b64_json" {
			t.Errorf("unexpected request body: %+v", req)
		}
		if req.Prompt != "a red fox in snow" {
			t.Errorf("unexpected prompt %q", req.Prompt)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompatImages(srv.URL+"/v1", "key-1", "black-forest-labs/flux-schnell", "", 10*time.Second)
	result, err := g.GenerateImage(context.Background(), "a red fox in snow")
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if string(result.PNG) != string(png) {
		t.Fatalf("decoded bytes mismatch")
	}
	if result.Elapsed <= 0 {
		t.Fatalf("elapsed should be positive, got %v", result.Elapsed)
	}
}

func TestGenerateImageSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompatImages(srv.URL+"/v1", "", "flux", "", 10*time.Second)
	if _, err := g.GenerateImage(context.Background(), "x"); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestGenerateImageEmptyResultSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	g := NewOpenAICompatImages(srv.URL+"/v1", "", "flux", "", 10*time.Second)
	if _, err := g.GenerateImage(context.Background(), "x"); err == nil {
		t.Fatal("expected error on empty data")
	}
}

func TestGenerateImageRejectsBadBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": "not-base64!!"}},
		})
	}))
	defer srv.Close()

	g := NewOpenAICompatImages(srv.URL+"/v1", "", "flux", "", 10*time.Second)
	if _, err := g.GenerateImage(context.Background(), "x"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGenerateImageRequiresModel(t *testing.T) {
	g := NewOpenAICompatImages("http://localhost/v1", "", "", "", time.Second)
	if _, err := g.GenerateImage(context.Background(), "x"); err == nil {
		t.Fatal("expected missing model error")
	}
}
