package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/telemetry"
)

const maxBodySize = 1 << 20

// BaseHandler holds what every handler needs to decode requests and write
// enveloped responses.
type BaseHandler struct {
	validator  *validator.Validate
	logger     *zap.Logger
	apiVersion string
}

// NewBaseHandler creates a base handler with the ledger's custom validations
// registered.
func NewBaseHandler(apiVersion string, logger *zap.Logger) *BaseHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("decimal_amount", validateDecimalAmount)

	return &BaseHandler{validator: v, logger: logger, apiVersion: apiVersion}
}

// validateDecimalAmount accepts plain decimal strings. Sign and precision
// are checked by the ledger so the error codes stay consistent.
func validateDecimalAmount(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || strings.ContainsAny(s, "eE") {
		return false
	}
	_, err := decimal.NewFromString(s)
	return err == nil
}

// decode reads a JSON body into v and validates it.
func (h *BaseHandler) decode(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return &ValidationError{Message: "Content-Type must be application/json"}
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &ValidationError{Message: fmt.Sprintf("Request body too large (max %d bytes)", maxBodySize)}
		}
		return &ValidationError{Message: "Failed to read request body"}
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Message: "Invalid JSON: " + err.Error()}
	}

	if err := h.validator.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ValidationError{Message: "Validation error: " + err.Error()}
	}

	fields := make(map[string][]string)
	for _, fe := range validationErrors {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "This field is required"
		case "min":
			msg = "Minimum value is " + fe.Param()
		case "max":
			msg = "Maximum value is " + fe.Param()
		case "oneof":
			msg = "Must be one of: " + fe.Param()
		case "iso4217":
			msg = "Must be a valid ISO 4217 currency code"
		case "datetime":
			msg = "Must be a date in format YYYY-MM-DD"
		case "decimal_amount":
			msg = "Must be a decimal amount such as 1250.50"
		default:
			msg = "Failed " + fe.Tag() + " validation"
		}
		fields[fe.Field()] = append(fields[fe.Field()], msg)
	}
	return &ValidationError{Message: "Validation failed", Fields: fields}
}

// pathID parses the {name} path value as a UUID.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func (h *BaseHandler) meta(r *http.Request) ResponseMeta {
	return ResponseMeta{
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
		Version:   h.apiVersion,
	}
}

// envelope builds the success body for data.
func (h *BaseHandler) envelope(r *http.Request, data any) ResponseEnvelope {
	return ResponseEnvelope{Success: true, Data: data, Meta: h.meta(r)}
}

func (h *BaseHandler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, h.envelope(r, data), h.logger)
}

// writeError logs and writes err. 5xx are logged at error level with the
// underlying cause; client errors at debug.
func (h *BaseHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		body.TraceID = sc.TraceID().String()
	}

	logger := telemetry.WithTrace(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.String("code", body.Code))
	}
	if status == http.StatusConflict && body.Retryable {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, ResponseEnvelope{Success: false, Error: body, Meta: h.meta(r)}, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}
