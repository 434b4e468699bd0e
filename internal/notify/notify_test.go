package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizeAndMaskPhone(t *testing.T) {
	tests := []struct {
		in, normalized, masked string
	}{
		{"010-1234-5678", "01012345678", "010****5678"},
		{" +82 10 1234 5678 ", "+821012345678", "+82******5678"},
		{"12345", "12345", "*****"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.normalized {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.normalized)
		}
		if got := MaskPhone(tt.in); got != tt.masked {
			t.Errorf("MaskPhone(%q) = %q, want %q", tt.in, got, tt.masked)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	l := NewLog(nil)
	if err := l.Send(context.Background(), "010-0000-0000", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := l.Send(context.Background(), "", "hi"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestExpiryWarningUsesUTCDate(t *testing.T) {
	kst := time.FixedZone("KST", 9*3600)
	// 2026-03-01 02:00 KST is still Feb 28 in UTC.
	msg := ExpiryWarning("a@b.c", time.Date(2026, 3, 1, 2, 0, 0, 0, kst))
	if !strings.Contains(msg, "2026-02-28") {
		t.Fatalf("message %q does not carry the UTC date", msg)
	}
}

func TestNewSolapiValidates(t *testing.T) {
	if _, err := NewSolapi(SolapiConfig{APISecret: "s", From: "0101"}, nil); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := NewSolapi(SolapiConfig{APIKey: "k", APISecret: "s"}, nil); err == nil {
		t.Error("expected error for missing sender")
	}
}

func newTestSolapi(t *testing.T, url string) *Solapi {
	t.Helper()
	s, err := NewSolapi(SolapiConfig{APIKey: "KEY", APISecret: "SECRET", From: "02-000-0000", BaseURL: url + "/", RatePerSec: 1000}, nil)
	if err != nil {
		t.Fatalf("NewSolapi: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	s.salt = func() (string, error) { return "abc123", nil }
	return s
}

func TestSolapiSend(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("SECRET"))
	mac.Write([]byte("2026-10-19T09:30:00Z" + "abc123"))
	wantAuth := "HMAC-SHA256 apiKey=KEY, date=2026-10-19T09:30:00Z, salt=abc123, signature=" + hex.EncodeToString(mac.Sum(nil))

	var got struct {
		Message solapiMessage `json:"message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages/v4/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if a := r.Header.Get("Authorization"); a != wantAuth {
			t.Errorf("Authorization = %q, want %q", a, wantAuth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"groupId":"G1","messageId":"M1","statusCode":"2000"}`))
	}))
	defer srv.Close()

	s := newTestSolapi(t, srv.URL)
	if err := s.Send(context.Background(), "010-1234-5678", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := solapiMessage{To: "01012345678", From: "020000000", Text: "hello"}
	if got.Message != want {
		t.Errorf("message = %+v, want %+v", got.Message, want)
	}
}

func TestSolapiSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"ValidationError","errorMessage":"invalid to"}`))
	}))
	defer srv.Close()

	s := newTestSolapi(t, srv.URL)
	err := s.Send(context.Background(), "0101", "x")
	var se *SolapiError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SolapiError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Code != "ValidationError" || se.Message != "invalid to" {
		t.Errorf("unexpected error %+v", se)
	}
}

func TestSolapiSendRequiresRecipient(t *testing.T) {
	s := newTestSolapi(t, "http://solapi.invalid")
	if err := s.Send(context.Background(), " - ", "x"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestSolapiSendHonoursCancelledContext(t *testing.T) {
	s := newTestSolapi(t, "http://solapi.invalid")
	s.limiter.SetBurst(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "01012345678", "x"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
