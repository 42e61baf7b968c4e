package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultZAPIBaseURL = "https://api.z-api.io"
	defaultZAPITimeout = 10 * time.Second
	defaultZAPIRate    = 5
)

type ZAPIConfig struct {
	BaseURL     string
	InstanceID  string
	Token       string
	ClientToken string
	Timeout     time.Duration
	// RateLimit is the sustained number of sends per second across all
	// recipients. Zero uses the default.
	RateLimit float64
	Burst     int
}

// ZAPITransport sends WhatsApp text messages through the Z-API gateway.
type ZAPITransport struct {
	cfg        ZAPIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

func NewZAPITransport(cfg ZAPIConfig, log zerolog.Logger) (*ZAPITransport, error) {
	if cfg.InstanceID == "" || cfg.Token == "" {
		return nil, errors.New("zapi transport: instance id and token are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultZAPIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultZAPITimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultZAPIRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &ZAPITransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:        log.With().Str("component", "zapi").Logger(),
	}, nil
}

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendTextResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

func (t *ZAPITransport) endpoint() string {
	return fmt.Sprintf("%s/instances/%s/token/%s/send-text",
		strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.InstanceID, t.cfg.Token)
}

func (t *ZAPITransport) Send(ctx context.Context, recipient, text string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(sendTextRequest{Phone: recipient, Message: text})
	if err != nil {
		return "", &PermanentError{Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "salondesk/1.0")
	if t.cfg.ClientToken != "" {
		req.Header.Set("Client-Token", t.cfg.ClientToken)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	t.log.Debug().
		Str("recipient", recipient).
		Int("status_code", resp.StatusCode).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("zapi send-text")

	switch {
	case IsSuccess(resp.StatusCode):
		var out sendTextResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			// Accepted but unparseable; the message is out, only the id is lost.
			return "", nil
		}
		if out.MessageID != "" {
			return out.MessageID, nil
		}
		if out.ZaapID != "" {
			return out.ZaapID, nil
		}
		return out.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &RetryableError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return "", &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", respBody)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &PermanentError{Code: resp.StatusCode, Message: "invalid instance token or client token"}
	default:
		return "", &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", respBody)}
	}
}
