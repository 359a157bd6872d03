package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentity(t *testing.T) {
	const wallet = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

	var gotWallet string
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotWallet, _ = WalletFromContext(r.Context())
	})

	handler := Identity(next)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCalled bool
	}{
		{
			name:       "valid address",
			header:     wallet,
			wantStatus: http.StatusOK,
			wantCalled: true,
		},
		{
			name:       "missing header",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed address",
			header:     "0x42",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			gotWallet = ""

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(IdentityHeader, tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if called != tt.wantCalled {
				t.Fatalf("next called = %v, want %v", called, tt.wantCalled)
			}
			if tt.wantCalled && gotWallet != wallet {
				t.Fatalf("wallet = %s, want %s", gotWallet, wallet)
			}
		})
	}
}

func TestWalletFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := WalletFromContext(req.Context()); ok {
		t.Fatalf("wallet must be absent without middleware")
	}
}
