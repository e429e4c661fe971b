package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tallybridge/tallysync/internal/models"
)

// Problem is an RFC 7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusBadRequest: {
		typeURI: "https://tallybridge.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusUnauthorized: {
		typeURI: "https://tallybridge.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusNotFound: {
		typeURI: "https://tallybridge.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusConflict: {
		typeURI: "https://tallybridge.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://tallybridge.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://tallybridge.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusInternalServerError: {
		typeURI: "https://tallybridge.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
}

// WriteProblem writes an RFC 7807 response with the given status and detail.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemCode(w, r, status, detail, "")
}

func writeProblemCode(w http.ResponseWriter, r *http.Request, status int, detail, code string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://tallybridge.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// MapError converts engine errors to problem responses. Only classified,
// user-meaningful codes cross this boundary; internal detail stays in the
// server log.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	code := models.Code(err)

	var schemaErr *models.SchemaError
	var authErr *models.AuthError

	switch {
	case errors.Is(err, models.ErrRecordNotFound),
		errors.Is(err, models.ErrConflictNotFound):
		writeProblemCode(w, r, http.StatusNotFound, "Resource not found", code)
	case errors.Is(err, models.ErrDuplicateActiveSync):
		writeProblemCode(w, r, http.StatusConflict,
			"A sync for this entity is already queued or in flight", code)
	case errors.Is(err, models.ErrConflictPending):
		writeProblemCode(w, r, http.StatusConflict,
			"An unresolved conflict blocks this entity", code)
	case errors.As(err, &schemaErr):
		writeProblemCode(w, r, http.StatusUnprocessableEntity, schemaErr.Error(), code)
	case errors.As(err, &authErr):
		writeProblemCode(w, r, http.StatusUnauthorized, "Authentication failed", code)
	case errors.Is(err, models.ErrNoTransport):
		writeProblemCode(w, r, http.StatusServiceUnavailable,
			"No transport can reach the Tally instance", code)
	default:
		writeProblemCode(w, r, http.StatusInternalServerError, "Internal Server Error", code)
	}
}
