package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"lv-closure/internal/model"
	"lv-closure/internal/trace"
	"lv-closure/internal/types"
)

// PartnerError is any non-2xx answer from the partner API. Callers in
// the closure flow catch it and fold it into a failed result instead of
// letting it escape; only the next scheduled poll retries.
type PartnerError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *PartnerError) Error() string {
	return fmt.Sprintf("partner %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// PartnerClient talks to the brokerage partner's REST API.
type PartnerClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewPartnerClient(baseURL, token string) *PartnerClient {
	return &PartnerClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type accountResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	OpenOrders       int    `json:"open_orders"`
	OpenPositions    int    `json:"open_positions"`
	CashBalance      string `json:"cash_balance"`
	CashWithdrawable string `json:"cash_withdrawable"`
}

func (c *PartnerClient) GetAccountSnapshot(ctx context.Context, accountID string) (model.AccountSnapshot, error) {
	var out accountResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s", accountID), "get_account", nil, &out); err != nil {
		return model.AccountSnapshot{}, err
	}
	balance, err := decimal.NewFromString(out.CashBalance)
	if err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("parse cash_balance %q: %w", out.CashBalance, err)
	}
	withdrawable, err := decimal.NewFromString(out.CashWithdrawable)
	if err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("parse cash_withdrawable %q: %w", out.CashWithdrawable, err)
	}
	return model.AccountSnapshot{
		AccountID:        out.ID,
		Status:           types.AccountStatus(out.Status),
		OpenOrders:       out.OpenOrders,
		OpenPositions:    out.OpenPositions,
		CashBalance:      balance,
		CashWithdrawable: withdrawable,
	}, nil
}

type liquidationResponse struct {
	OrdersCanceled  int `json:"orders_canceled"`
	PositionsClosed int `json:"positions_closed"`
}

func (c *PartnerClient) LiquidateAll(ctx context.Context, accountID string) (LiquidationAck, error) {
	var out liquidationResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/accounts/%s/liquidations", accountID), "liquidate_all", nil, &out); err != nil {
		return LiquidationAck{}, err
	}
	return LiquidationAck{OrdersCanceled: out.OrdersCanceled, PositionsClosed: out.PositionsClosed}, nil
}

type createTransferRequest struct {
	BankRelationshipID string `json:"bank_relationship_id"`
	Amount             string `json:"amount"`
	Direction          string `json:"direction"`
	ClientTransferID   string `json:"client_transfer_id"`
}

type transferResponse struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	InitiatedAt string `json:"initiated_at"`
	SettledAt   string `json:"settled_at,omitempty"`
}

func (c *PartnerClient) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (model.TransferRecord, error) {
	body := createTransferRequest{
		BankRelationshipID: req.BankRelationshipID,
		Amount:             req.Amount.String(),
		Direction:          "OUTGOING",
		ClientTransferID:   req.ClientTransferID,
	}
	var out transferResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/accounts/%s/transfers", req.AccountID), "create_withdrawal", body, &out); err != nil {
		return model.TransferRecord{}, err
	}
	amount, err := decimal.NewFromString(out.Amount)
	if err != nil {
		return model.TransferRecord{}, fmt.Errorf("parse transfer amount %q: %w", out.Amount, err)
	}
	rec := model.TransferRecord{
		TransferID:  out.ID,
		AccountID:   req.AccountID,
		Amount:      amount,
		Status:      types.TransferStatus(out.Status),
		InitiatedAt: time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, out.InitiatedAt); err == nil {
		rec.InitiatedAt = t
	}
	return rec, nil
}

func (c *PartnerClient) GetTransferStatus(ctx context.Context, accountID, transferID string) (TransferStatusResult, error) {
	var out transferResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/transfers/%s", accountID, transferID), "get_transfer", nil, &out); err != nil {
		return TransferStatusResult{}, err
	}
	res := TransferStatusResult{
		TransferID: out.ID,
		Status:     types.TransferStatus(out.Status),
	}
	if out.SettledAt != "" {
		if t, err := time.Parse(time.RFC3339, out.SettledAt); err == nil {
			res.SettledAt = &t
		}
	}
	return res, nil
}

type closeResponse struct {
	Status string `json:"status"`
}

func (c *PartnerClient) CloseAccount(ctx context.Context, accountID string) (CloseAck, error) {
	var out closeResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/accounts/%s/close", accountID), "close_account", nil, &out)
	if err != nil {
		var perr *PartnerError
		// The partner answers 409 when the account is already closed;
		// for closure that is success, not failure.
		if errors.As(err, &perr) && perr.StatusCode == http.StatusConflict {
			return CloseAck{AlreadyClosed: true}, nil
		}
		return CloseAck{}, err
	}
	return CloseAck{AlreadyClosed: out.Status == string(types.AccountStatusClosed)}, nil
}

func (c *PartnerClient) do(ctx context.Context, method, path, op string, in, out any) error {
	ctx, span := trace.StartSpan(ctx, "partner."+op)
	defer span.End()

	var body io.Reader
	if in != nil {
		buf, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observeRequest(op, "transport_error", time.Since(start))
		span.RecordError(err)
		return fmt.Errorf("execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		observeRequest(op, "api_error", time.Since(start))
		perr := &PartnerError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		span.RecordError(perr)
		return perr
	}
	observeRequest(op, "ok", time.Since(start))

	if out == nil {
		return nil
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

