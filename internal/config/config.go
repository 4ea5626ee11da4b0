package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr           string
	DBDSN              string
	JWTIssuer          string
	JWTSecret          string
	InternalTokenHash  string
	WebSocketOrigin    string
	AppMode            string
	PartnerBaseURL     string
	PartnerAPIToken    string
	DailyTransferLimit decimal.Decimal
	NotifyWebhookURL   string
	NotifyToken        string
	StateTTL           time.Duration
	TracingEnabled     bool
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.InternalTokenHash = os.Getenv("INTERNAL_TOKEN_HASH")
	if c.InternalTokenHash == "" {
		missing = append(missing, "INTERNAL_TOKEN_HASH")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.AppMode = strings.ToLower(strings.TrimSpace(os.Getenv("APP_MODE")))
	if c.AppMode == "" {
		c.AppMode = "development"
	}
	if c.AppMode != "development" && c.AppMode != "production" {
		return c, errors.New("invalid APP_MODE: use development or production")
	}
	c.PartnerBaseURL = os.Getenv("PARTNER_BASE_URL")
	c.PartnerAPIToken = os.Getenv("PARTNER_API_TOKEN")
	if c.AppMode == "production" {
		if c.PartnerBaseURL == "" {
			missing = append(missing, "PARTNER_BASE_URL")
		}
		if c.PartnerAPIToken == "" {
			missing = append(missing, "PARTNER_API_TOKEN")
		}
	}
	limitRaw := strings.TrimSpace(os.Getenv("DAILY_TRANSFER_LIMIT"))
	if limitRaw == "" {
		limitRaw = "50000"
	}
	limit, err := decimal.NewFromString(limitRaw)
	if err != nil {
		return c, errors.New("invalid DAILY_TRANSFER_LIMIT")
	}
	if limit.IsZero() || limit.IsNegative() {
		return c, errors.New("DAILY_TRANSFER_LIMIT must be positive")
	}
	c.DailyTransferLimit = limit
	c.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	c.NotifyToken = os.Getenv("NOTIFY_TOKEN")
	stateTTL := os.Getenv("STATE_TTL")
	if stateTTL == "" {
		c.StateTTL = 72 * time.Hour
	} else {
		d, err := time.ParseDuration(stateTTL)
		if err != nil {
			return c, err
		}
		c.StateTTL = d
	}
	tracing := os.Getenv("TRACING_ENABLED")
	if tracing == "" {
		c.TracingEnabled = true
	} else {
		b, err := strconv.ParseBool(tracing)
		if err != nil {
			return c, err
		}
		c.TracingEnabled = b
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + join(missing))
	}
	return c, nil
}

func join(items []string) string {
	if len(items) == 0 {
		return ""
	}
	out := items[0]
	for i := 1; i < len(items); i++ {
		out += "," + items[i]
	}
	return out
}
