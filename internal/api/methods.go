package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "opwarden.v1.Opwarden"

// FullMethod returns the gRPC path for a method name.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Handler decodes a JSON request, runs one operation and returns its
// JSON-serializable result.
type Handler func(ctx context.Context, s *Service, body []byte) (any, error)

func bind[Req, Resp any](fn func(*Service, context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, s *Service, body []byte) (any, error) {
		var req Req
		if len(bytes.TrimSpace(body)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return nil, badRequest("decode request: %v", err)
			}
		}
		return fn(s, ctx, req)
	}
}

// Methods maps RPC method names to handlers. The gRPC service and the
// client both derive their method paths from these names.
var Methods = map[string]Handler{
	"CheckOperation":   bind((*Service).Check),
	"RecordOutcome":    bind((*Service).RecordOutcome),
	"GrantPermission":  bind((*Service).Grant),
	"RevokePermission": bind((*Service).Revoke),
	"ListPermissions":  bind((*Service).ListPermissions),
	"SetOverride":      bind((*Service).SetOverride),
	"RemoveOverride":   bind((*Service).RemoveOverride),
	"ListOverrides":    bind((*Service).ListOverrides),
	"Trust":            bind((*Service).Trust),
	"CreateTask":       bind((*Service).CreateTask),
	"TaskAction":       bind((*Service).TaskAction),
	"ListTasks":        bind((*Service).ListTasks),
	"VerifyAudit":      bind((*Service).VerifyAudit),
	"QueryAudit":       bind((*Service).QueryAudit),
	"Halt":             bind((*Service).Halt),
	"Resume":           bind((*Service).Resume),
	"Status":           bind((*Service).Status),
	"Anomalies":        bind((*Service).Anomalies),
	"ReviewAnomaly":    bind((*Service).ReviewAnomaly),
	"ResumeDetector":   bind((*Service).ResumeDetector),
	"Suggest":          bind((*Service).Suggest),
}

// MethodNames returns the method names sorted.
func MethodNames() []string {
	out := make([]string, 0, len(Methods))
	for name := range Methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call runs the named method.
func (s *Service) Call(ctx context.Context, method string, body []byte) (any, error) {
	h, ok := Methods[method]
	if !ok {
		return nil, badRequest("unknown method %q", method)
	}
	out, err := h(ctx, s, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}
