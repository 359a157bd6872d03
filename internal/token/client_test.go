package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const opToken = "0x4200000000000000000000000000000000000042"

func TestTokenInfo_OK(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		want := "/v1.2/10/custom/" + opToken
		if r.URL.Path != want {
			t.Fatalf("path = %s, want %s", r.URL.Path, want)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol": "OP", "decimals": 18}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := client.TokenInfo(ctx, opToken)
	if err != nil {
		t.Fatalf("TokenInfo error: %v", err)
	}
	if info.Symbol != "OP" || info.Decimals != 18 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Address != opToken {
		t.Fatalf("address = %s, want %s", info.Address, opToken)
	}

	// Повторный запрос того же адреса обслуживается из кэша.
	if _, err := client.TokenInfo(ctx, opToken); err != nil {
		t.Fatalf("TokenInfo error: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
}

func TestTokenInfo_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, 10)

	_, err := client.TokenInfo(context.Background(), opToken)
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestTokenInfo_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, 10)

	_, err := client.TokenInfo(context.Background(), opToken)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
