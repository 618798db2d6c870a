package token

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/ailink/egressgw/internal"
	"github.com/ailink/egressgw/internal/cachetier"
)

type fakeStore struct {
	tokens map[string]*gateway.Token
	calls  int
}

func (f *fakeStore) GetToken(_ context.Context, id string) (*gateway.Token, error) {
	f.calls++
	t, ok := f.tokens[id]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func newTier(t *testing.T) *cachetier.Tier {
	t.Helper()
	tier, err := cachetier.New(100, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tier
}

func TestResolver_ActiveTokenCached(t *testing.T) {
	store := &fakeStore{tokens: map[string]*gateway.Token{
		"tok_1": {ID: "tok_1", ProjectID: "proj_1", IsActive: true, UpstreamURL: "https://api.openai.com"},
	}}
	r := New(store, newTier(t))
	ctx := context.Background()

	tok, err := r.Resolve(ctx, "tok_1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.ProjectID != "proj_1" {
		t.Fatalf("got project %q", tok.ProjectID)
	}

	if _, err := r.Resolve(ctx, "tok_1"); err != nil {
		t.Fatal(err)
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", store.calls)
	}
}

func TestResolver_NotFound(t *testing.T) {
	store := &fakeStore{tokens: map[string]*gateway.Token{}}
	r := New(store, newTier(t))

	_, err := r.Resolve(context.Background(), "missing")
	var appErr *gateway.AppError
	if !errors.As(err, &appErr) || appErr.Code != gateway.CodeTokenNotFound {
		t.Fatalf("expected token_not_found, got %v", err)
	}
}

func TestResolver_RevokedNeverCached(t *testing.T) {
	store := &fakeStore{tokens: map[string]*gateway.Token{
		"tok_2": {ID: "tok_2", ProjectID: "proj_1", IsActive: false},
	}}
	r := New(store, newTier(t))
	ctx := context.Background()

	_, err := r.Resolve(ctx, "tok_2")
	var appErr *gateway.AppError
	if !errors.As(err, &appErr) || appErr.Code != gateway.CodeTokenRevoked {
		t.Fatalf("expected token_revoked, got %v", err)
	}

	_, _ = r.Resolve(ctx, "tok_2")
	if store.calls != 2 {
		t.Fatalf("expected revoked lookups to bypass cache, got %d calls", store.calls)
	}
}

func TestResolver_InvalidateEvictsCache(t *testing.T) {
	store := &fakeStore{tokens: map[string]*gateway.Token{
		"tok_3": {ID: "tok_3", ProjectID: "proj_1", IsActive: true},
	}}
	r := New(store, newTier(t))
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "tok_3"); err != nil {
		t.Fatal(err)
	}
	if err := r.Invalidate(ctx, "tok_3"); err != nil {
		t.Fatal(err)
	}
	store.tokens["tok_3"].IsActive = false

	_, err := r.Resolve(ctx, "tok_3")
	var appErr *gateway.AppError
	if !errors.As(err, &appErr) || appErr.Code != gateway.CodeTokenRevoked {
		t.Fatalf("expected fresh lookup to see revocation, got %v", err)
	}
}
