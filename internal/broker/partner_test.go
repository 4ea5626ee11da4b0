package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-closure/internal/types"
)

func TestPartnerClient_GetAccountSnapshot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/accounts/acc_1", r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "acc_1",
			"status": "ACTIVE",
			"open_orders": 2,
			"open_positions": 1,
			"cash_balance": "125000.50",
			"cash_withdrawable": "100000"
		}`))
	}))
	defer srv.Close()

	c := NewPartnerClient(srv.URL, "tkn")
	snap, err := c.GetAccountSnapshot(context.Background(), "acc_1")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", snap.AccountID)
	assert.Equal(t, types.AccountStatusActive, snap.Status)
	assert.Equal(t, 2, snap.OpenOrders)
	assert.Equal(t, 1, snap.OpenPositions)
	assert.True(t, snap.CashBalance.Equal(decimal.RequireFromString("125000.50")))
	assert.True(t, snap.CashWithdrawable.Equal(decimal.RequireFromString("100000")))
}

func TestPartnerClient_GetAccountSnapshot_BadDecimal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"acc_1","status":"ACTIVE","cash_balance":"not-money","cash_withdrawable":"0"}`))
	}))
	defer srv.Close()

	c := NewPartnerClient(srv.URL, "tkn")
	_, err := c.GetAccountSnapshot(context.Background(), "acc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cash_balance")
}

func TestPartnerClient_CreateWithdrawal(t *testing.T) {
	t.Parallel()
	var got createTransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/accounts/acc_1/transfers", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"id": "tr_77",
			"amount": "50000",
			"status": "PENDING",
			"initiated_at": "2026-08-20T14:30:00Z"
		}`))
	}))
	defer srv.Close()

	c := NewPartnerClient(srv.URL, "tkn")
	rec, err := c.CreateWithdrawal(context.Background(), WithdrawalRequest{
		AccountID:          "acc_1",
		BankRelationshipID: "bank_1",
		Amount:             decimal.RequireFromString("50000"),
		ClientTransferID:   "11111111-2222-3333-4444-555555555555",
	})
	require.NoError(t, err)

	assert.Equal(t, "bank_1", got.BankRelationshipID)
	assert.Equal(t, "50000", got.Amount)
	assert.Equal(t, "OUTGOING", got.Direction)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", got.ClientTransferID)

	assert.Equal(t, "tr_77", rec.TransferID)
	assert.Equal(t, "acc_1", rec.AccountID)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("50000")))
	assert.Equal(t, types.TransferStatusPending, rec.Status)
	assert.Equal(t, time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC), rec.InitiatedAt)
}

func TestPartnerClient_GetTransferStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acc_1/transfers/tr_77", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"tr_77","amount":"50000","status":"SETTLED","settled_at":"2026-08-21T09:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewPartnerClient(srv.URL, "tkn")
	res, err := c.GetTransferStatus(context.Background(), "acc_1", "tr_77")
	require.NoError(t, err)
	assert.Equal(t, "tr_77", res.TransferID)
	assert.Equal(t, types.TransferStatusSettled, res.Status)
	require.NotNil(t, res.SettledAt)
	assert.Equal(t, time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC), *res.SettledAt)
}

func TestPartnerClient_CloseAccount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		status        int
		body          string
		alreadyClosed bool
	}{
		{name: "closed now", status: http.StatusOK, body: `{"status":"CLOSED"}`, alreadyClosed: true},
		{name: "close accepted", status: http.StatusOK, body: `{"status":"CLOSING"}`, alreadyClosed: false},
		{name: "conflict means already closed", status: http.StatusConflict, body: `{"error":"account closed"}`, alreadyClosed: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/accounts/acc_1/close", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewPartnerClient(srv.URL, "tkn")
			ack, err := c.CloseAccount(context.Background(), "acc_1")
			require.NoError(t, err)
			assert.Equal(t, tt.alreadyClosed, ack.AlreadyClosed)
		})
	}
}

func TestPartnerClient_NonSuccessIsPartnerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("scheduled maintenance"))
	}))
	defer srv.Close()

	c := NewPartnerClient(srv.URL, "tkn")
	_, err := c.LiquidateAll(context.Background(), "acc_1")
	var perr *PartnerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "liquidate_all", perr.Op)
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.Contains(t, perr.Body, "maintenance")
}
