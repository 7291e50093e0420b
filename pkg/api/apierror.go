package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/ingest"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// Reason codes surfaced at the HTTP layer. Policy denial codes travel
// inside per-action results with HTTP 200; these cover the calls that
// fail before any action runs.
const (
	CodeInvalidStateKey   = "INVALID_STATE_KEY"
	CodeSchemaViolation   = "SCHEMA_VIOLATION"
	CodeMissingIncidentID = "MISSING_INCIDENT_ID"
	CodeNotFound          = "NOT_FOUND"
	CodeDuplicateEventID  = "DUPLICATE_EVENT_ID"
	CodeConfirmExpired    = "CONFIRM_EXPIRED"
	CodeConfirmUnknown    = "CONFIRM_TOKEN_UNKNOWN"
	CodeDoorbellMalformed = "DOORBELL_MALFORMED"
	CodeBridgeUnreachable = "BRIDGE_UNREACHABLE"
	CodeRateLimited       = "DENY_RATE_LIMIT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// statusFor maps a failure to its HTTP status and reason code. Unknown
// errors read as transient storage trouble: the store is the only
// collaborator that fails without a sentinel.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidStateKey):
		return http.StatusBadRequest, CodeInvalidStateKey
	case errors.Is(err, pipeline.ErrMissingIncidentID):
		return http.StatusBadRequest, CodeMissingIncidentID
	case errors.Is(err, store.ErrSchemaViolation),
		errors.Is(err, store.ErrInvalidRating),
		errors.Is(err, pipeline.ErrEnvelopeInvalid),
		errors.Is(err, pipeline.ErrExecuteInvalid):
		return http.StatusBadRequest, CodeSchemaViolation
	case errors.Is(err, ingest.ErrPacketInvalid),
		errors.Is(err, ingest.ErrUnknownCategory):
		return http.StatusBadRequest, CodeDoorbellMalformed
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrDuplicateEventID):
		return http.StatusConflict, CodeDuplicateEventID
	case errors.Is(err, store.ErrTokenExpired),
		errors.Is(err, policy.ErrTokenExpired):
		return http.StatusConflict, CodeConfirmExpired
	case errors.Is(err, store.ErrTokenUnknown),
		errors.Is(err, policy.ErrTokenInvalid):
		return http.StatusConflict, CodeConfirmUnknown
	default:
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK sends payload with ok: true merged in.
func writeOK(w http.ResponseWriter, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{}, 1)
	}
	payload["ok"] = true
	writeJSON(w, http.StatusOK, payload)
}

// writeError sends the {ok:false, code, error} envelope.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":    false,
		"code":  code,
		"error": msg,
	})
}

// maxBodyBytes bounds every request body read.
const maxBodyBytes = 1 << 20

// decodeStrict reads a JSON body into dst, rejecting unknown fields and
// trailing garbage.
func decodeStrict(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode body: trailing data after JSON value")
	}
	return nil
}
