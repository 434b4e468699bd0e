package error

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	serverJSON "github.com/ByeonDoHyeon06/vibehost/internal/json"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   string `json:"details,omitempty"`
}

// RespondError logs the actual error and returns a generic message to the client.
func RespondError(w http.ResponseWriter, status int, err error) {
	if err != nil {
		slog.Warn("api error", "status", status, "error", err.Error())
	}
	msg := http.StatusText(status)
	if msg == "" {
		msg = "unexpected error"
	}
	_ = serverJSON.RespondJSON(w, status, ErrorResponse{
		Error: msg,
		Code:  status,
	})
}

// RespondErrorMsg logs the internal error and returns a specific user-facing message.
func RespondErrorMsg(w http.ResponseWriter, status int, userMsg string, internalErr error) {
	RespondErrorKind(w, status, "", userMsg, internalErr)
}

// RespondErrorKind is RespondErrorMsg with a machine-readable failure kind.
func RespondErrorKind(w http.ResponseWriter, status int, kind, userMsg string, internalErr error) {
	if internalErr != nil {
		slog.Warn("api error", "status", status, "kind", kind, "error", internalErr.Error(), "user_msg", userMsg)
	}
	_ = serverJSON.RespondJSON(w, status, ErrorResponse{
		Error: userMsg,
		Code:  status,
		Kind:  kind,
	})
}

// RespondRetryable answers a request the client may repeat after retryAfter.
func RespondRetryable(w http.ResponseWriter, status int, kind, userMsg string, retryAfter time.Duration, internalErr error) {
	if internalErr != nil {
		slog.Warn("api error", "status", status, "kind", kind, "error", internalErr.Error(), "retry_after", retryAfter)
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	_ = serverJSON.RespondJSON(w, status, ErrorResponse{
		Error:     userMsg,
		Code:      status,
		Kind:      kind,
		Retryable: true,
	})
}
