package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to an HTTP error response.
type ErrorMapping struct {
	Error  error
	Status int
	// Message replaces err.Error() in the response when set.
	Message string
	// Fields adds machine-readable details next to the message.
	Fields func(err error) map[string]any
}

// HandleError writes the response of the first mapping matching err.
// Unmapped errors are logged and answered with 500 "internal error".
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}

		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}

		var fields map[string]any
		if m.Fields != nil {
			fields = m.Fields(err)
		}

		if m.Status >= http.StatusInternalServerError {
			ctxlog.FromContext(ctx).Error("request failed", "status", m.Status, "error", err)
		}
		ErrorWithFields(w, m.Status, msg, fields)
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
