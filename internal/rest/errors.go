package rest

import (
	"errors"
	"net/http"
	"time"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
)

// upstreamRetryAfter is advertised on 504 responses.
const upstreamRetryAfter = 30 * time.Second

func statusForKind(k orchestrator.Kind) int {
	switch k {
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindForbidden:
		return http.StatusForbidden
	case orchestrator.KindValidationFailed, orchestrator.KindPreconditionFailed:
		return http.StatusBadRequest
	case orchestrator.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.KindUpstreamFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondOrchestratorError writes err with the status its kind maps to.
// Unclassified errors are logged and answered with a generic 500.
func (s *Server) respondOrchestratorError(w http.ResponseWriter, op string, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		s.logger.Error(op+" failed", "error", err)
		serverError.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	status := statusForKind(oe.Kind)
	if oe.Retryable() {
		serverError.RespondRetryable(w, status, oe.Kind.String(), oe.Reason, upstreamRetryAfter, err)
		return
	}
	serverError.RespondErrorKind(w, status, oe.Kind.String(), oe.Reason, err)
}
