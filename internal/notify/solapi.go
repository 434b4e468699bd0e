package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultSolapiURL = "https://api.solapi.com"

// SolapiConfig configures the SOLAPI SMS sender.
type SolapiConfig struct {
	APIKey     string
	APISecret  string
	From       string
	BaseURL    string
	RatePerSec float64 // sends per second across all goroutines; 0 means 10
	Timeout    time.Duration
}

// SolapiError is a non-2xx response from SOLAPI.
type SolapiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SolapiError) Error() string {
	return fmt.Sprintf("solapi error (%d): %s %s", e.StatusCode, e.Code, e.Message)
}

// Solapi sends SMS through the SOLAPI v4 messages API.
type Solapi struct {
	cfg        SolapiConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	now  func() time.Time
	salt func() (string, error)
}

func NewSolapi(cfg SolapiConfig, logger *slog.Logger) (*Solapi, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("solapi: api key and secret are required")
	}
	if NormalizePhone(cfg.From) == "" {
		return nil, fmt.Errorf("solapi: sender number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSolapiURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Solapi{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		logger:     logger.With("component", "solapi"),
		now:        time.Now,
		salt:       randomSalt,
	}, nil
}

type solapiMessage struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

func (s *Solapi) Send(ctx context.Context, to, text string) error {
	to = NormalizePhone(to)
	if to == "" {
		return ErrNoRecipient
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("solapi throttle: %w", err)
	}

	body, err := json.Marshal(struct {
		Message solapiMessage `json:"message"`
	}{Message: solapiMessage{To: to, From: NormalizePhone(s.cfg.From), Text: text}})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	auth, err := s.authorization()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/messages/v4/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("solapi request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(data, &errResp) != nil || errResp.ErrorCode == "" {
			errResp.ErrorMessage = strings.TrimSpace(string(data))
		}
		return &SolapiError{StatusCode: resp.StatusCode, Code: errResp.ErrorCode, Message: errResp.ErrorMessage}
	}

	s.logger.Debug("sms sent", "to", MaskPhone(to))
	return nil
}

// authorization builds the HMAC-SHA256 header: the signature is the hex
// HMAC of date+salt keyed by the API secret.
func (s *Solapi) authorization() (string, error) {
	salt, err := s.salt()
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	date := s.now().UTC().Format(time.RFC3339)
	mac := hmac.New(sha256.New, []byte(s.cfg.APISecret))
	mac.Write([]byte(date + salt))
	return fmt.Sprintf("HMAC-SHA256 apiKey=%s, date=%s, salt=%s, signature=%s",
		s.cfg.APIKey, date, salt, hex.EncodeToString(mac.Sum(nil))), nil
}

func randomSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
