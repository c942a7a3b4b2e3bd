package rest

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"go.uber.org/zap"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API contract.
func OpenAPISpec() []byte {
	return openAPISpec
}

// ContractValidator validates requests against the OpenAPI contract.
type ContractValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewContractValidator loads and validates the embedded contract.
func NewContractValidator() (*ContractValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	return &ContractValidator{doc: doc, router: router}, nil
}

// ValidateRequest checks r against its operation. Requests for paths the
// contract does not describe return routers.ErrPathNotFound or
// routers.ErrMethodNotAllowed.
func (cv *ContractValidator) ValidateRequest(r *http.Request) error {
	route, pathParams, err := cv.router.FindRoute(r)
	if err != nil {
		return err
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         true,
		},
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

// ContractViolation is a request rejected by the OpenAPI contract.
type ContractViolation struct {
	Err error
}

func (e *ContractViolation) Error() string {
	return "request does not match the API contract: " + e.Err.Error()
}

func (e *ContractViolation) Unwrap() error {
	return e.Err
}

// contractMiddleware rejects requests that violate the contract with 400.
// Unknown routes are passed through so the mux can answer them.
func contractMiddleware(cv *ContractValidator, h *BaseHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/v1/events" {
				next.ServeHTTP(w, r)
				return
			}
			err := cv.ValidateRequest(r)
			switch {
			case err == nil:
			case errors.Is(err, routers.ErrPathNotFound), errors.Is(err, routers.ErrMethodNotAllowed):
			default:
				h.logger.Debug("contract violation", zap.String("path", r.URL.Path), zap.Error(err))
				h.writeError(w, r, &ContractViolation{Err: err})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
