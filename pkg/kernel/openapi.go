package kernel

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/oapi-codegen/runtime"
)

//go:embed openapi.yaml
var openAPIDocument []byte

// OpenAPI loads and validates the API description served at /v1/openapi.yaml.
func OpenAPI(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}

// GET /v1/openapi.yaml
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDocument)
}

// bindPath decodes a required path parameter into dest.
func bindPath(r *http.Request, name string, dest interface{}) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, r.PathValue(name), dest, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return fmt.Errorf("invalid format for parameter %s: %w", name, err)
	}
	return nil
}

// queryLimit binds the optional "limit" query parameter, capped at
// maxListLimit. def is used when it is absent.
func queryLimit(r *http.Request, def int) (int, error) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		return 0, fmt.Errorf("invalid format for parameter limit: %w", err)
	}
	if limit == nil {
		return def, nil
	}
	if *limit <= 0 {
		return 0, fmt.Errorf("invalid limit %d", *limit)
	}
	return min(*limit, maxListLimit), nil
}
