package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"imagemaster/internal/app"
	"imagemaster/pkg/ai"
	"imagemaster/pkg/domain"
	"imagemaster/pkg/store"
)

type stubVerifier struct {
	subjects map[string]string
}

func (v *stubVerifier) VerifySubject(token string) (string, error) {
	if subject, ok := v.subjects[token]; ok {
		return subject, nil
	}
	return "", errors.New("invalid token")
}

type stubGenerator struct {
	calls int
	err   error
}

func (g *stubGenerator) GenerateImage(context.Context, string) (ai.Result, error) {
	g.calls++
	if g.err != nil {
		return ai.Result{}, g.err
	}
	return ai.Result{PNG: []byte("png"), Elapsed: 150 * time.Millisecond}, nil
}

type stubObjects struct{}

func (stubObjects) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (stubObjects) PublicURL(key string) string {
	return "https://storage.example/generated-images/" + key
}
func (stubObjects) Delete(context.Context, string) error { return nil }

type serverFixture struct {
	url      string
	store    *store.MemoryStore
	gen      *stubGenerator
	verifier *stubVerifier
}

func newServerFixture(t *testing.T, credits int, rateLimit int) serverFixture {
	t.Helper()
	memStore := store.NewMemoryStore()
	if err := memStore.SaveProfile(domain.Profile{
		ID:               "user-1",
		CreditsRemaining: credits,
		SubscriptionTier: domain.TierPro,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	gen := &stubGenerator{}
	appCore, err := app.New(app.Config{
		Store:           memStore,
		Objects:         stubObjects{},
		Generator:       gen,
		GenerationModel: "black-forest-labs/flux-schnell",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier := &stubVerifier{subjects: map[string]string{"token-1": "user-1"}}
	cfg := Config{App: appCore, TokenVerifier: verifier}
	if rateLimit > 0 {
		redis := miniredis.RunT(t)
		cfg.RedisAddr = redis.Addr()
		cfg.GenerateRateLimitPerMinute = rateLimit
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	return serverFixture{url: httpSrv.URL, store: memStore, gen: gen, verifier: verifier}
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestGenerateRequiresBearerToken(t *testing.T) {
	fx := newServerFixture(t, 3, 0)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "", map[string]string{"prompt": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "bad-token", map[string]string{"prompt": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token status = %d, want 401", resp.StatusCode)
	}
	if fx.gen.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", fx.gen.calls)
	}
}

func TestGenerateRejectsBlankPrompt(t *testing.T) {
	fx := newServerFixture(t, 3, 0)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "   "})
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "Prompt is required" {
		t.Fatalf("error = %q", body["error"])
	}
	profile, _, _ := fx.store.GetProfile("user-1")
	if profile.CreditsRemaining != 3 {
		t.Fatalf("credits = %d, want 3", profile.CreditsRemaining)
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	fx := newServerFixture(t, 0, 0)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "a fox"})
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if body["error"] != "Insufficient credits" {
		t.Fatalf("error = %q", body["error"])
	}
	if fx.gen.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", fx.gen.calls)
	}
}

func TestGenerateSuccessResponseShape(t *testing.T) {
	fx := newServerFixture(t, 3, 0)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "a red fox in snow"})
	var body struct {
		ImageURL         string `json:"imageUrl"`
		CreditsRemaining int    `json:"creditsRemaining"`
		GenerationTime   int64  `json:"generationTime"`
	}
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.CreditsRemaining != 2 {
		t.Fatalf("creditsRemaining = %d, want 2", body.CreditsRemaining)
	}
	if body.GenerationTime <= 0 {
		t.Fatalf("generationTime = %d, want > 0", body.GenerationTime)
	}
	if body.ImageURL == "" {
		t.Fatal("imageUrl should be set")
	}
}

func TestGenerateProviderFailureReturns500(t *testing.T) {
	fx := newServerFixture(t, 3, 0)
	fx.gen.err = errors.New("provider down")

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "a fox"})
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body["error"] != "Image generation failed" {
		t.Fatalf("error = %q", body["error"])
	}
}

type brokenLedgerStore struct {
	*store.MemoryStore
}

func (s *brokenLedgerStore) RecordGeneration(domain.GeneratedImage, domain.UsageLog) (int, bool, error) {
	return 0, false, errors.New("connection reset")
}

func TestGenerateLedgerFailureReturns500(t *testing.T) {
	memStore := store.NewMemoryStore()
	if err := memStore.SaveProfile(domain.Profile{ID: "user-1", CreditsRemaining: 3}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:           &brokenLedgerStore{MemoryStore: memStore},
		Objects:         stubObjects{},
		Generator:       &stubGenerator{},
		GenerationModel: "black-forest-labs/flux-schnell",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: appCore, TokenVerifier: &stubVerifier{subjects: map[string]string{"token-1": "user-1"}}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	resp := doJSON(t, http.MethodPost, httpSrv.URL+"/api/images/generations", "token-1", map[string]string{"prompt": "a fox"})
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body["error"] != "Internal server error" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestGenerateRateLimited(t *testing.T) {
	fx := newServerFixture(t, 10, 1)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "first"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "second"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
}

func TestPreflightAllowsAllOrigins(t *testing.T) {
	fx := newServerFixture(t, 1, 0)

	req, _ := http.NewRequest(http.MethodOptions, fx.url+"/api/images/generations", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}

func TestImageFlagsAndDeleteOwnership(t *testing.T) {
	fx := newServerFixture(t, 3, 0)
	fx.verifier.subjects["token-2"] = "user-2"
	if err := fx.store.SaveProfile(domain.Profile{ID: "user-2", CreditsRemaining: 1}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "a fox"})
	resp.Body.Close()
	images, _ := fx.store.ListImagesByOwner("user-1")
	if len(images) != 1 {
		t.Fatalf("image rows = %d, want 1", len(images))
	}
	imageID := images[0].ID

	resp = doJSON(t, http.MethodPatch, fx.url+"/api/images/"+imageID, "token-2", map[string]bool{"isFavorite": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign patch status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPatch, fx.url+"/api/images/"+imageID, "token-1", map[string]bool{"isFavorite": true})
	var patched domain.GeneratedImage
	decodeBody(t, resp, &patched)
	if resp.StatusCode != http.StatusOK || !patched.IsFavorite {
		t.Fatalf("patch status = %d favorite = %v", resp.StatusCode, patched.IsFavorite)
	}

	resp = doJSON(t, http.MethodDelete, fx.url+"/api/images/"+imageID, "token-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	if remaining, _ := fx.store.ListImagesByOwner("user-1"); len(remaining) != 0 {
		t.Fatal("image should be gone")
	}
}

func TestProfileAndPlansEndpoints(t *testing.T) {
	fx := newServerFixture(t, 3, 0)

	resp := doJSON(t, http.MethodGet, fx.url+"/api/profile", "token-1", nil)
	var profile domain.Profile
	decodeBody(t, resp, &profile)
	if resp.StatusCode != http.StatusOK || profile.CreditsRemaining != 3 {
		t.Fatalf("profile status = %d credits = %d", resp.StatusCode, profile.CreditsRemaining)
	}

	resp = doJSON(t, http.MethodGet, fx.url+"/api/plans", "", nil)
	var plans struct {
		Plans []domain.Plan `json:"plans"`
	}
	decodeBody(t, resp, &plans)
	if resp.StatusCode != http.StatusOK || len(plans.Plans) != 3 {
		t.Fatalf("plans status = %d count = %d", resp.StatusCode, len(plans.Plans))
	}
	if plans.Plans[1].Credits != 3 || plans.Plans[2].Credits != 1000 {
		t.Fatalf("unexpected plan credits: %+v", plans.Plans)
	}
}

func TestUsageEndpointListsEntries(t *testing.T) {
	fx := newServerFixture(t, 3, 0)

	resp := doJSON(t, http.MethodPost, fx.url+"/api/images/generations", "token-1", map[string]string{"prompt": "a fox"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, fx.url+"/api/usage", "token-1", nil)
	var usage struct {
		Usage []domain.UsageLog `json:"usage"`
	}
	decodeBody(t, resp, &usage)
	if resp.StatusCode != http.StatusOK || len(usage.Usage) != 1 {
		t.Fatalf("usage status = %d count = %d", resp.StatusCode, len(usage.Usage))
	}
	if usage.Usage[0].Action != domain.ActionImageGeneration || usage.Usage[0].CreditsConsumed != 1 {
		t.Fatalf("unexpected usage entry: %+v", usage.Usage[0])
	}
}
