package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Error marks a delivery failure. It is logged and swallowed; a failed
// notification never fails the closure that triggered it.
type Error struct {
	Event  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("notify %s: %s", e.Event, e.Reason)
}

const (
	EventClosureInitiated   = "closure_initiated"
	EventClosureCompleted   = "closure_completed"
	EventClosureNeedsReview = "closure_needs_review"
)

type Message struct {
	Event              string `json:"event"`
	UserID             string `json:"user_id"`
	AccountID          string `json:"account_id"`
	ConfirmationNumber string `json:"confirmation_number"`
	Detail             string `json:"detail,omitempty"`
}

// Sender posts closure lifecycle messages to the notification webhook.
// With no webhook configured every send is a silent no-op.
type Sender struct {
	webhookURL string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSender(webhookURL, token string, log *zap.Logger) *Sender {
	return &Sender{
		webhookURL: strings.TrimRight(strings.TrimSpace(webhookURL), "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		log:        log,
	}
}

// SendAsync delivers in the background with its own timeout. The caller
// never waits and never observes the outcome.
func (s *Sender) SendAsync(msg Message) {
	if s.webhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := s.Send(ctx, msg); err != nil {
			s.log.Warn("notification delivery failed",
				zap.String("event", msg.Event),
				zap.String("account_id", msg.AccountID),
				zap.Error(err))
		}
	}()
}

func (s *Sender) Send(ctx context.Context, msg Message) error {
	if s.webhookURL == "" {
		return nil
	}
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(msg)
	if err != nil {
		return &Error{Event: msg.Event, Reason: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL+"/notify", bytes.NewReader(raw))
	if err != nil {
		return &Error{Event: msg.Event, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &Error{Event: msg.Event, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Event: msg.Event, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}
	return nil
}
