package responder

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
)

const (
	DefaultBaseURL = "https://api.x.ai/v1"
	DefaultModel   = "grok-3"
	defaultTimeout = 30 * time.Second
)

type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ChatResponder asks an OpenAI-compatible chat-completions endpoint to answer
// as the salon's receptionist.
type ChatResponder struct {
	cfg        ChatConfig
	salon      Salon
	catalog    Catalog
	httpClient *http.Client
	now        func() time.Time
	log        zerolog.Logger
}

func NewChatResponder(cfg ChatConfig, salon Salon, catalog Catalog, log zerolog.Logger) (*ChatResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("chat responder: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &ChatResponder{
		cfg:        cfg,
		salon:      salon,
		catalog:    catalog,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		log:        log.With().Str("component", "responder").Logger(),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (r *ChatResponder) Reply(ctx context.Context, recipient, text, knownName string) (string, error) {
	prompt, err := r.systemPrompt(ctx, knownName)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.7,
		MaxTokens:   400,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completion failed with status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("chat completion returned no content")
	}

	r.log.Debug().
		Str("recipient", recipient).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion")
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (r *ChatResponder) systemPrompt(ctx context.Context, knownName string) (string, error) {
	services, err := r.catalog.ListServices(ctx)
	if err != nil {
		return "", fmt.Errorf("list services: %w", err)
	}
	now := r.now().In(r.salon.location())

	var b strings.Builder
	fmt.Fprintf(&b, "És a rececionista virtual do %s, um salão de unhas. ", r.salon.Name)
	b.WriteString("Responde sempre em português de Portugal, de forma calorosa, breve e profissional, adequada a WhatsApp.\n\n")
	if r.salon.Hours != "" {
		fmt.Fprintf(&b, "Horário de funcionamento: %s\n", r.salon.Hours)
	}
	fmt.Fprintf(&b, "Data e hora atuais: %s\n\n", now.Format("02/01/2006 15:04"))
	b.WriteString("Serviços disponíveis:\n")
	b.WriteString(serviceLines(services))
	b.WriteString("\n\n")
	if knownName != "" {
		fmt.Fprintf(&b, "A cliente chama-se %s; trata-a pelo nome.\n", knownName)
	} else {
		b.WriteString("Ainda não sabes o nome da cliente; pergunta-o com simpatia.\n")
	}
	b.WriteString("Não confirmes marcações tu mesma. Para marcar, pede à cliente que escreva o serviço, o dia e a hora, ")
	b.WriteString("por exemplo \"quero marcar uma manicure gel amanhã às 14h\".")
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
