package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wesplit/settlement/internal/ledger"
	"github.com/wesplit/settlement/internal/middleware"
	"github.com/wesplit/settlement/internal/model"
	"github.com/wesplit/settlement/internal/money"
	"github.com/wesplit/settlement/internal/repository"
	"github.com/wesplit/settlement/internal/service"
)

const (
	testRequester = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	testWallet    = "0x1111111111111111111111111111111111111111"
	testToken     = "0x4200000000000000000000000000000000000042"
)

type stubService struct {
	split    *model.Split
	splits   []model.Split
	progress *model.Progress

	createErr   error
	getErr      error
	listErr     error
	contribErr  error
	withdrawErr error
	progressErr error
}

func (s *stubService) CreateSplit(ctx context.Context, description, requester, tokenAddress, fiatCurrency string, contributors []service.NewContributor) (*model.Split, error) {
	return s.split, s.createErr
}

func (s *stubService) GetSplit(ctx context.Context, id string) (*model.Split, error) {
	return s.split, s.getErr
}

func (s *stubService) ListSplitsFor(ctx context.Context, identity string) ([]model.Split, error) {
	return s.splits, s.listErr
}

func (s *stubService) RecordContribution(ctx context.Context, splitID, username, from string, amount *big.Int) (*model.Progress, error) {
	return s.progress, s.contribErr
}

func (s *stubService) Withdraw(ctx context.Context, splitID, caller string) (*model.Split, error) {
	return s.split, s.withdrawErr
}

func (s *stubService) Progress(ctx context.Context, splitID string) (*model.Progress, error) {
	return s.progress, s.progressErr
}

func testSplit() *model.Split {
	fiat := money.Fiat("EUR")
	tokenUnit := money.Token(testToken, 18)

	owed, _ := money.FromInt64(10, fiat)
	total, _ := money.FromInt64(10, fiat)

	return &model.Split{
		ID:            "deadbeef",
		Description:   "dinner",
		Requester:     testRequester,
		TokenAddress:  testToken,
		TokenDecimals: 18,
		FiatCurrency:  "EUR",
		TotalFiat:     total,
		State:         model.SplitStateOpen,
		Contributors: []model.Contributor{
			{
				Username:  "alice",
				Owed:      owed,
				Paid:      money.Zero(tokenUnit),
				Withdrawn: money.Zero(tokenUnit),
			},
		},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestRouter(svc Service) http.Handler {
	h := NewHandler(svc, zap.NewNop())
	return h.SetupRouter()
}

func doRequest(t *testing.T, router http.Handler, method, path, wallet string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if wallet != "" {
		req.Header.Set(middleware.IdentityHeader, wallet)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSplit_Created(t *testing.T) {
	svc := &stubService{split: testSplit()}
	router := newTestRouter(svc)

	body := createSplitRequest{
		Description:  "dinner",
		TokenAddress: testToken,
		FiatCurrency: "EUR",
		Contributors: []contributorRequest{{Username: "alice", Owed: 10}},
	}

	rec := doRequest(t, router, http.MethodPost, "/api/splits/", testRequester, body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}

	var resp splitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "deadbeef" || resp.State != "OPEN" || resp.FiatAmount != "10" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateSplit_RequiresIdentity(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doRequest(t, router, http.MethodPost, "/api/splits/", "", createSplitRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/splits/", "not-an-address", createSplitRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for malformed address", rec.Code)
	}
}

func TestCreateSplit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"empty list", service.ErrEmptyContributorList, http.StatusUnprocessableEntity, "empty_contributor_list"},
		{"duplicate", service.ErrDuplicateUsername, http.StatusUnprocessableEntity, "duplicate_username"},
		{"bad token", service.ErrInvalidTokenAddress, http.StatusUnprocessableEntity, "invalid_token_address"},
		{"bad currency", service.ErrInvalidCurrency, http.StatusUnprocessableEntity, "invalid_currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{createErr: tt.err})

			rec := doRequest(t, router, http.MethodPost, "/api/splits/", testRequester, createSplitRequest{})
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Code != tt.wantBody {
				t.Fatalf("code = %s, want %s", resp.Code, tt.wantBody)
			}
		})
	}
}

func TestGetSplit_NotFound(t *testing.T) {
	router := newTestRouter(&stubService{getErr: repository.ErrSplitNotFound})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/deadbeef", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetSplit_OK(t *testing.T) {
	router := newTestRouter(&stubService{split: testSplit()})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/deadbeef", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp splitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Contributors) != 1 || resp.Contributors[0].Paid != "0" || resp.Contributors[0].Owed != "10" {
		t.Fatalf("unexpected contributors: %+v", resp.Contributors)
	}
	if resp.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("created_at = %s, want RFC3339", resp.CreatedAt)
	}
}

func TestGetSplit_FiatBeyondInt64(t *testing.T) {
	split := testSplit()

	// 2^64: сумма хранится как big.Int и не должна искажаться в ответе.
	amount, _ := new(big.Int).SetString("18446744073709551616", 10)
	total, err := money.New(amount, money.Fiat("EUR"))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	split.TotalFiat = total
	split.Contributors[0].Owed = total

	router := newTestRouter(&stubService{split: split})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/deadbeef", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp splitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FiatAmount != "18446744073709551616" {
		t.Fatalf("fiat_amount = %s, want 18446744073709551616", resp.FiatAmount)
	}
	if resp.Contributors[0].Owed != "18446744073709551616" {
		t.Fatalf("owed = %s, want 18446744073709551616", resp.Contributors[0].Owed)
	}
}

func TestListSplits_NoContent(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/", testWallet, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestListSplits_OK(t *testing.T) {
	router := newTestRouter(&stubService{splits: []model.Split{*testSplit()}})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/", testWallet, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp []splitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("splits = %d, want 1", len(resp))
	}
}

func TestContribute_OK(t *testing.T) {
	fiat := money.Fiat("EUR")
	raised, _ := money.FromInt64(5, fiat)
	target, _ := money.FromInt64(10, fiat)

	svc := &stubService{progress: &model.Progress{
		SettledCount: 0,
		TotalCount:   1,
		FiatRaised:   raised,
		FiatTarget:   target,
	}}
	router := newTestRouter(svc)

	body := contributionRequest{Username: "alice", From: testWallet, Amount: "5000000000000000000"}

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/contributions", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var resp progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FiatRaised != "5" || resp.FiatTarget != "10" {
		t.Fatalf("unexpected progress: %+v", resp)
	}
}

func TestContribute_MalformedAmount(t *testing.T) {
	router := newTestRouter(&stubService{})

	body := contributionRequest{Username: "alice", From: testWallet, Amount: "1.5"}

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/contributions", "", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != "malformed_amount" {
		t.Fatalf("code = %s, want malformed_amount", resp.Code)
	}
}

func TestContribute_SplitNotOpen(t *testing.T) {
	router := newTestRouter(&stubService{contribErr: ledger.ErrSplitNotOpen})

	body := contributionRequest{Username: "alice", From: testWallet, Amount: "1"}

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/contributions", "", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestWithdraw_Forbidden(t *testing.T) {
	router := newTestRouter(&stubService{withdrawErr: service.ErrNotRequester})

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/withdraw", testWallet, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestWithdraw_AlreadyWithdrawn(t *testing.T) {
	router := newTestRouter(&stubService{withdrawErr: service.ErrAlreadyWithdrawn})

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/withdraw", testRequester, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestWithdraw_StalePrice(t *testing.T) {
	router := newTestRouter(&stubService{withdrawErr: service.ErrStalePriceData})

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/withdraw", testRequester, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestWithdraw_OK(t *testing.T) {
	split := testSplit()
	split.State = model.SplitStateWithdrawn
	router := newTestRouter(&stubService{split: split})

	rec := doRequest(t, router, http.MethodPost, "/api/splits/deadbeef/withdraw", testRequester, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp splitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "WITHDRAWN" {
		t.Fatalf("state = %s, want WITHDRAWN", resp.State)
	}
}

func TestGetProgress_OK(t *testing.T) {
	fiat := money.Fiat("EUR")
	raised, _ := money.FromInt64(10, fiat)
	target, _ := money.FromInt64(10, fiat)

	router := newTestRouter(&stubService{progress: &model.Progress{
		SettledCount: 1,
		TotalCount:   1,
		FiatRaised:   raised,
		FiatTarget:   target,
	}})

	rec := doRequest(t, router, http.MethodGet, "/api/splits/deadbeef/progress", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp progressResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SettledCount != 1 || resp.FiatRaised != "10" {
		t.Fatalf("unexpected progress: %+v", resp)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doRequest(t, router, http.MethodGet, "/api/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
