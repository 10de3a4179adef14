package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// RequestIDHeader carries the gateway's request id to downstream services.
const RequestIDHeader = "X-SARK-Request-ID"

// HTTPConfig configures one HTTP/OpenAPI backend.
type HTTPConfig struct {
	// Name identifies the resource in discovery results.
	Name string
	// BaseURL is the API root all operation paths are relative to.
	BaseURL string
	// SpecURL locates the OpenAPI document; ignored when SpecData is set.
	SpecURL string
	// SpecData is an inline OpenAPI 3.x or Swagger 2.0 document.
	SpecData []byte
	// Headers are static headers (auth) added to every request.
	Headers map[string]string
	Limits  Limits
}

// httpOperation is one discovered path+method pair.
type httpOperation struct {
	method      string
	path        string
	description string
	pathParams  []paramSpec
	queryParams []paramSpec
	headerPrms  []paramSpec
	hasBody     bool
	schema      map[string]any
	hint        authz.Sensitivity
}

type paramSpec struct {
	name     string
	required bool
}

// HTTPAdapter discovers and invokes REST operations described by an OpenAPI
// document. Discovery resolves local $refs, enumerates paths x methods, and
// merges path, query, header, and body parameters into one input schema.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client

	mu  sync.RWMutex
	ops map[string]httpOperation
}

// NewHTTPAdapter creates an adapter for one REST backend. Discovery is lazy:
// the first DiscoverResources or GetCapabilities call loads the spec.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	cfg.Limits = cfg.Limits.withDefaults()
	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Limits.CallTimeout},
	}
}

func (a *HTTPAdapter) ProtocolName() string    { return "http" }
func (a *HTTPAdapter) ProtocolVersion() string { return "1.1" }

// DiscoverResources loads the OpenAPI document and returns the backend as a
// single resource carrying the spec title and operation count.
func (a *HTTPAdapter) DiscoverResources(ctx context.Context) ([]ResourceSchema, error) {
	doc, err := a.loadSpec(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := a.buildOperations(doc)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.ops = ops
	a.mu.Unlock()

	meta := map[string]any{"operations": len(ops)}
	if doc.Info != nil {
		meta["title"] = doc.Info.Title
		meta["version"] = doc.Info.Version
	}
	return []ResourceSchema{{
		Name:     a.cfg.Name,
		Protocol: a.ProtocolName(),
		Endpoint: a.cfg.BaseURL,
		Metadata: meta,
	}}, nil
}

// GetCapabilities returns one capability per discovered operation.
func (a *HTTPAdapter) GetCapabilities(ctx context.Context, resource string) ([]CapabilitySchema, error) {
	ops, err := a.operations(ctx)
	if err != nil {
		return nil, err
	}
	caps := make([]CapabilitySchema, 0, len(ops))
	for name, op := range ops {
		caps = append(caps, CapabilitySchema{
			Name:            name,
			Description:     op.description,
			InputSchema:     op.schema,
			SensitivityHint: op.hint,
			Metadata:        map[string]any{"method": op.method, "path": op.path},
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}

// ValidateRequest checks the capability exists and required parameters are
// present, without any I/O.
func (a *HTTPAdapter) ValidateRequest(inv Invocation) error {
	a.mu.RLock()
	op, ok := a.ops[inv.Capability]
	a.mu.RUnlock()
	if !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown operation %q", inv.Capability))
	}
	for _, groups := range [][]paramSpec{op.pathParams, op.queryParams, op.headerPrms} {
		for _, p := range groups {
			if !p.required {
				continue
			}
			if _, ok := inv.Parameters[p.name]; !ok {
				return authz.NewError(authz.KindSchema,
					fmt.Sprintf("missing required parameter %q", p.name))
			}
		}
	}
	return nil
}

// Invoke executes one REST call under the adapter deadline.
func (a *HTTPAdapter) Invoke(ctx context.Context, inv Invocation) (InvocationResult, error) {
	start := time.Now()
	if err := a.ValidateRequest(inv); err != nil {
		return InvocationResult{}, err
	}
	if _, err := checkPayloadSize(inv.Parameters, a.cfg.Limits.MaxPayloadBytes); err != nil {
		return InvocationResult{}, err
	}
	a.mu.RLock()
	op := a.ops[inv.Capability]
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()

	req, err := a.buildRequest(ctx, op, inv)
	if err != nil {
		return InvocationResult{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return InvocationResult{}, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := readBounded(resp.Body, a.cfg.Limits.MaxPayloadBytes)
	if err != nil {
		return InvocationResult{}, err
	}

	result := InvocationResult{
		Success:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		Duration: time.Since(start),
		Metadata: map[string]any{"status_code": resp.StatusCode},
	}
	var parsed any
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		result.Result = parsed
	} else if len(body) > 0 {
		result.Result = string(body)
	}
	if !result.Success {
		result.Error = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	return result, nil
}

// HealthCheck probes the base URL; any response below 500 counts as healthy.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return authz.NewError(authz.KindDownstreamError,
			fmt.Sprintf("health probe returned %d", resp.StatusCode))
	}
	return nil
}

func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// operations returns the op table, discovering on first use.
func (a *HTTPAdapter) operations(ctx context.Context) (map[string]httpOperation, error) {
	a.mu.RLock()
	ops := a.ops
	a.mu.RUnlock()
	if ops != nil {
		return ops, nil
	}
	if _, err := a.DiscoverResources(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ops, nil
}

// loadSpec fetches and parses the OpenAPI document, converting Swagger 2.0
// in place.
func (a *HTTPAdapter) loadSpec(ctx context.Context) (*openapi3.T, error) {
	data := a.cfg.SpecData
	if data == nil {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SpecURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
		}
		defer resp.Body.Close()
		data, err = readBounded(resp.Body, a.cfg.Limits.MaxPayloadBytes)
		if err != nil {
			return nil, err
		}
	}

	var probe struct {
		Swagger string `json:"swagger"`
	}
	_ = json.Unmarshal(data, &probe)
	if probe.Swagger == "2.0" {
		var doc2 openapi2.T
		if err := json.Unmarshal(data, &doc2); err != nil {
			return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("parse swagger 2.0: %v", err))
		}
		doc, err := openapi2conv.ToV3(&doc2)
		if err != nil {
			return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("convert swagger 2.0: %v", err))
		}
		return doc, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("parse openapi: %v", err))
	}
	return doc, nil
}

// buildOperations walks paths x methods and normalizes each operation.
func (a *HTTPAdapter) buildOperations(doc *openapi3.T) (map[string]httpOperation, error) {
	ops := make(map[string]httpOperation)
	if doc.Paths == nil {
		return ops, nil
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			name := op.OperationID
			if name == "" {
				name = operationSlug(method, path)
			}
			built := httpOperation{
				method:      method,
				path:        path,
				description: firstNonEmpty(op.Summary, op.Description),
			}
			props := map[string]any{}
			var required []string

			// Path-level parameters apply to every method; operation-level
			// ones override by name.
			merged := append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...)
			seen := map[string]bool{}
			for i := len(merged) - 1; i >= 0; i-- {
				ref := merged[i]
				if ref.Value == nil || seen[ref.Value.In+"/"+ref.Value.Name] {
					continue
				}
				seen[ref.Value.In+"/"+ref.Value.Name] = true
				p := ref.Value
				spec := paramSpec{name: p.Name, required: p.Required}
				switch p.In {
				case openapi3.ParameterInPath:
					spec.required = true
					built.pathParams = append(built.pathParams, spec)
				case openapi3.ParameterInQuery:
					built.queryParams = append(built.queryParams, spec)
				case openapi3.ParameterInHeader:
					built.headerPrms = append(built.headerPrms, spec)
				default:
					continue
				}
				props[p.Name] = schemaToMap(p.Schema)
				if spec.required {
					required = append(required, p.Name)
				}
			}

			if op.RequestBody != nil && op.RequestBody.Value != nil {
				if mt := op.RequestBody.Value.Content.Get("application/json"); mt != nil {
					built.hasBody = true
					props["body"] = schemaToMap(mt.Schema)
					if op.RequestBody.Value.Required {
						required = append(required, "body")
					}
				}
			}

			schema := map[string]any{"type": "object", "properties": props}
			if len(required) > 0 {
				sort.Strings(required)
				schema["required"] = required
			}
			built.schema = schema
			built.hint = httpSensitivity(method, name, path)
			ops[name] = built
		}
	}
	return ops, nil
}

// buildRequest assembles the outgoing call: path substitution, query and
// header parameters, JSON body, and the request id header.
func (a *HTTPAdapter) buildRequest(ctx context.Context, op httpOperation, inv Invocation) (*http.Request, error) {
	path := op.path
	for _, p := range op.pathParams {
		v, ok := inv.Parameters[p.name]
		if !ok {
			return nil, authz.NewError(authz.KindSchema,
				fmt.Sprintf("missing path parameter %q", p.name))
		}
		path = strings.ReplaceAll(path, "{"+p.name+"}", url.PathEscape(fmt.Sprint(v)))
	}

	var body io.Reader
	if op.hasBody {
		if raw, ok := inv.Parameters["body"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("marshal body: %v", err))
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.method,
		strings.TrimRight(a.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	for _, p := range op.queryParams {
		if v, ok := inv.Parameters[p.name]; ok {
			q.Set(p.name, fmt.Sprint(v))
		}
	}
	req.URL.RawQuery = q.Encode()

	for _, p := range op.headerPrms {
		if v, ok := inv.Parameters[p.name]; ok {
			req.Header.Set(p.name, fmt.Sprint(v))
		}
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if inv.RequestID != "" {
		req.Header.Set(RequestIDHeader, inv.RequestID)
	}
	return req, nil
}

// httpSensitivity derives the classification hint from the HTTP method,
// upgraded by path and operation keywords.
func httpSensitivity(method, name, path string) authz.Sensitivity {
	var base authz.Sensitivity
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		base = authz.SensitivityLow
	case http.MethodDelete:
		base = authz.SensitivityHigh
	default:
		base = authz.SensitivityMedium
	}
	// The classifier defaults to medium, so only high and critical keyword
	// matches override the method-derived base.
	detected := tool.Detect(name+" "+path, "", nil)
	if detected.Rank() >= authz.SensitivityHigh.Rank() && detected.Rank() > base.Rank() {
		return detected
	}
	return base
}

// operationSlug derives a capability name like "get_users_id" from a
// method and template path.
func operationSlug(method, path string) string {
	clean := strings.NewReplacer("{", "", "}", "", "/", "_", "-", "_").Replace(strings.Trim(path, "/"))
	return strings.ToLower(method) + "_" + strings.ToLower(clean)
}

// readBounded reads at most max bytes, failing when the source exceeds it.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, authz.NewError(authz.KindDownstreamError, fmt.Sprintf("read response: %v", err))
	}
	if int64(len(data)) > max {
		return nil, authz.NewError(authz.KindValidation,
			fmt.Sprintf("response exceeds %d byte limit", max))
	}
	return data, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func schemaToMap(ref *openapi3.SchemaRef) map[string]any {
	if ref == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

var _ Adapter = (*HTTPAdapter)(nil)
