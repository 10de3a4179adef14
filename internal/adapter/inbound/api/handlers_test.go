package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

func TestServerLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/servers", f.userToken, registry.Spec{
		Name:      "billing",
		Transport: registry.TransportStdio,
		Tools: []registry.CapabilitySpec{
			{Name: "list_invoices", Description: "List invoices"},
		},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var srv registry.Server
	decodeBody(t, resp, &srv)
	if srv.ID == "" || srv.Status != registry.StatusRegistered {
		t.Fatalf("registered server = %+v", srv)
	}
	if srv.OwnerID != "u-dev" {
		t.Errorf("owner defaulted to %q", srv.OwnerID)
	}

	resp = f.do(t, http.MethodPatch, "/api/v1/servers/"+srv.ID+"/status", f.userToken,
		map[string]string{"status": "active"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/servers/"+srv.ID, f.userToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var detail struct {
		Server registry.Server       `json:"server"`
		Tools  []registry.Capability `json:"tools"`
	}
	decodeBody(t, resp, &detail)
	if detail.Server.Status != registry.StatusActive {
		t.Errorf("status after activate = %s", detail.Server.Status)
	}
	if len(detail.Tools) != 1 || detail.Tools[0].Name != "list_invoices" {
		t.Errorf("tools = %+v", detail.Tools)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/servers?status=active&search=billing", f.userToken, nil, nil)
	var listed registry.PageResult
	decodeBody(t, resp, &listed)
	if len(listed.Servers) != 1 || listed.Servers[0].ID != srv.ID {
		t.Errorf("filtered list = %+v", listed.Servers)
	}

	resp = f.do(t, http.MethodDelete, "/api/v1/servers/"+srv.ID, f.userToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decommission status = %d", resp.StatusCode)
	}

	// Decommissioned is terminal.
	resp = f.do(t, http.MethodPatch, "/api/v1/servers/"+srv.ID+"/status", f.userToken,
		map[string]string{"status": "active"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("transition after decommission status = %d", resp.StatusCode)
	}
}

func TestListServersRejectsUnknownStatus(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/servers?status=bogus", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestBulkRegisterTransactional(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/bulk/servers/register", f.userToken, map[string]any{
		"fail_on_first_error": true,
		"servers": []registry.Spec{
			{Name: "alpha", Transport: registry.TransportStdio, OwnerID: "o"},
			{Name: "", Transport: registry.TransportStdio, OwnerID: "o"},
		},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("transactional bulk status = %d", resp.StatusCode)
	}

	// Nothing from the failed batch landed.
	resp = f.do(t, http.MethodGet, "/api/v1/servers?search=alpha", f.userToken, nil, nil)
	var listed registry.PageResult
	decodeBody(t, resp, &listed)
	if len(listed.Servers) != 0 {
		t.Errorf("servers after rollback = %+v", listed.Servers)
	}
}

func TestSensitivityOverride(t *testing.T) {
	f := newAPIFixture(t)
	toolID := f.tools["echo_message"]

	resp := f.do(t, http.MethodPatch, "/api/v1/tools/"+toolID+"/sensitivity", f.adminToken,
		map[string]string{"sensitivity": "high", "reason": "touches tenant data"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/tools/"+toolID+"/sensitivity", f.userToken, nil, nil)
	var body struct {
		Sensitivity string `json:"sensitivity"`
		Override    *struct {
			Reviewer string `json:"reviewer"`
		} `json:"sensitivity_override"`
	}
	decodeBody(t, resp, &body)
	if body.Sensitivity != "high" {
		t.Errorf("sensitivity = %s", body.Sensitivity)
	}
	if body.Override == nil || body.Override.Reviewer != "admin@example.com" {
		t.Errorf("override = %+v", body.Override)
	}

	// A missing reason is rejected.
	resp = f.do(t, http.MethodPatch, "/api/v1/tools/"+toolID+"/sensitivity", f.adminToken,
		map[string]string{"sensitivity": "low"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("patch without reason status = %d", resp.StatusCode)
	}
}

func TestPolicyEvaluate(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/policy/evaluate", f.userToken, map[string]any{
		"action":  "tool:invoke",
		"tool_id": f.tools["echo_message"],
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	var body struct {
		Decision struct {
			Allow  bool   `json:"allow"`
			Source string `json:"source"`
		} `json:"decision"`
		DryRun bool `json:"dry_run"`
	}
	decodeBody(t, resp, &body)
	if !body.Decision.Allow || body.Decision.Source != "policy" {
		t.Errorf("decision = %+v", body.Decision)
	}

	// A denial is still a 200; callers read allow.
	f.engine.set(policy.Result{Allow: false, Reason: "not on the roster"})
	resp = f.do(t, http.MethodPost, "/api/v1/policy/evaluate", f.userToken, map[string]any{
		"action":      "tool:invoke",
		"resource_id": "srv-other",
		"dry_run":     true,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deny evaluate status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body.Decision.Allow || !body.DryRun {
		t.Errorf("deny decision = %+v dry_run = %v", body.Decision, body.DryRun)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/policy/evaluate", f.userToken,
		map[string]any{"resource_id": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing action status = %d", resp.StatusCode)
	}
}

func TestInvokeAllowed(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken, map[string]any{
		"tool_id":   f.tools["echo_message"],
		"arguments": map[string]any{"message": "hello"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", resp.StatusCode)
	}
	var body struct {
		Decision struct {
			Allow  bool   `json:"allow"`
			Source string `json:"source"`
		} `json:"decision"`
		Result *struct {
			Success bool `json:"success"`
		} `json:"result"`
		Protocol string `json:"protocol"`
	}
	decodeBody(t, resp, &body)
	if !body.Decision.Allow || body.Decision.Source != "policy" {
		t.Errorf("decision = %+v", body.Decision)
	}
	if body.Result == nil || !body.Result.Success {
		t.Errorf("result = %+v", body.Result)
	}
	if body.Protocol != "mcp" {
		t.Errorf("protocol = %s", body.Protocol)
	}

	f.adapter.mu.Lock()
	calls := len(f.adapter.invocations)
	f.adapter.mu.Unlock()
	if calls != 1 {
		t.Errorf("adapter calls = %d", calls)
	}
}

func TestInvokeDenied(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.set(policy.Result{Allow: false, Reason: "not on the roster"})

	resp := f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken, map[string]any{
		"tool_id": f.tools["echo_message"],
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied invoke status = %d", resp.StatusCode)
	}
	var body struct {
		Error    string `json:"error"`
		Decision struct {
			Allow  bool   `json:"allow"`
			Source string `json:"source"`
		} `json:"decision"`
	}
	decodeBody(t, resp, &body)
	if body.Error != "forbidden_policy" {
		t.Errorf("error = %s", body.Error)
	}
	if body.Decision.Allow {
		t.Error("decision.allow = true on a 403")
	}

	f.adapter.mu.Lock()
	calls := len(f.adapter.invocations)
	f.adapter.mu.Unlock()
	if calls != 0 {
		t.Errorf("adapter called %d times on a denial", calls)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"tool_id": "cap-missing"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tool status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"arguments": map[string]any{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing tool_id status = %d", resp.StatusCode)
	}
}

func TestApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)
	toolID := f.tools["delete_credential"]

	// The critical tool requires an approval.
	resp := f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"tool_id": toolID}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("ungated invoke status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/approvals/request", f.userToken, map[string]any{
		"tool_id":          toolID,
		"justification":    "rotating a leaked credential",
		"duration_seconds": 600,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request status = %d", resp.StatusCode)
	}
	var req struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &req)

	resp = f.do(t, http.MethodGet, "/api/v1/approvals?status=pending", f.userToken, nil, nil)
	var pending struct {
		Approvals []struct {
			ID string `json:"id"`
		} `json:"approvals"`
	}
	decodeBody(t, resp, &pending)
	if len(pending.Approvals) != 1 || pending.Approvals[0].ID != req.ID {
		t.Fatalf("pending = %+v", pending.Approvals)
	}

	// Self-approval is blocked.
	resp = f.do(t, http.MethodPost, "/api/v1/approvals/"+req.ID+"/approve", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("self-approve status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/approvals/"+req.ID+"/approve", f.adminToken,
		map[string]string{"notes": "verified with the owner"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken, map[string]any{
		"tool_id":     toolID,
		"approval_id": req.ID,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approved invoke status = %d", resp.StatusCode)
	}

	// The approval is single use.
	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken, map[string]any{
		"tool_id":     toolID,
		"approval_id": req.ID,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("reused approval status = %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/rollout/status", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/admin/rollout/status", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/admin/rollout/status", f.adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d", resp.StatusCode)
	}
}

func TestRolloutEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/rollout/set", f.adminToken,
		map[string]any{"feature": "cel_engine", "percentage": 50}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}
	var status policy.RolloutStatus
	decodeBody(t, resp, &status)
	if status.Percent != 50 || status.Previous != 10 {
		t.Errorf("status after set = %+v", status)
	}

	resp = f.do(t, http.MethodPost, "/admin/rollout/set", f.adminToken,
		map[string]any{"feature": "cel_engine", "percentage": 101}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/admin/rollout/set", f.adminToken,
		map[string]any{"feature": "nope", "percentage": 5}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown feature status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/admin/rollout/rollback", f.adminToken,
		map[string]any{"feature": "cel_engine"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &status)
	if status.Percent != 10 {
		t.Errorf("percent after rollback = %d", status.Percent)
	}

	resp = f.do(t, http.MethodPost, "/admin/rollout/rollback-all", f.adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback-all status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/admin/rollout/status", f.adminToken, nil, nil)
	var listing struct {
		Features []policy.RolloutStatus `json:"features"`
	}
	decodeBody(t, resp, &listing)
	if len(listing.Features) != 1 || listing.Features[0].Percent != 0 {
		t.Errorf("features = %+v", listing.Features)
	}
}

func TestEmergencySwitch(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.set(policy.Result{Allow: false, Reason: "not on the roster"})

	resp := f.do(t, http.MethodPost, "/admin/emergency", f.adminToken,
		map[string]any{"active": true}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("activate without reason status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/admin/emergency", f.adminToken,
		map[string]any{"active": true, "reason": "policy engine outage"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	// With the switch on, even a denying engine is bypassed.
	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"tool_id": f.tools["echo_message"]}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke under emergency status = %d", resp.StatusCode)
	}
	var body struct {
		Decision struct {
			Source string `json:"source"`
		} `json:"decision"`
	}
	decodeBody(t, resp, &body)
	if body.Decision.Source != "emergency" {
		t.Errorf("source = %s", body.Decision.Source)
	}
}

func TestBreakGlassFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.engine.set(policy.Result{Allow: false, Reason: "not on the roster"})

	resp := f.do(t, http.MethodPost, "/admin/break-glass/grant", f.adminToken, map[string]any{
		"request_id":  "incident-42",
		"pin":         "7391",
		"ttl_seconds": 120,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant status = %d", resp.StatusCode)
	}
	var grant map[string]any
	decodeBody(t, resp, &grant)
	if grant["granted_by"] != "admin@example.com" {
		t.Errorf("grant = %v", grant)
	}
	if _, leaked := grant["pin_hash"]; leaked {
		t.Error("grant response leaks the pin hash")
	}

	header := map[string]string{
		RequestIDHeader:     "incident-42",
		BreakGlassPinHeader: "7391",
	}
	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"tool_id": f.tools["echo_message"]}, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override invoke status = %d", resp.StatusCode)
	}
	var body struct {
		Decision struct {
			Source string `json:"source"`
		} `json:"decision"`
	}
	decodeBody(t, resp, &body)
	if body.Decision.Source != "override" {
		t.Errorf("source = %s", body.Decision.Source)
	}

	// The override is one shot.
	resp = f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken,
		map[string]any{"tool_id": f.tools["echo_message"]}, header)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("second override invoke status = %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/api/v1/tools/invoke", f.userToken, map[string]any{
			"tool_id":   f.tools["echo_message"],
			"arguments": map[string]any{"n": fmt.Sprint(i)},
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("invoke %d status = %d", i, resp.StatusCode)
		}
	}

	resp := f.do(t, http.MethodGet, "/api/v1/stats", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var body struct {
		Stats struct {
			Allowed     int64            `json:"allowed"`
			Invocations int64            `json:"invocations"`
			ByProtocol  map[string]int64 `json:"by_protocol"`
		} `json:"stats"`
	}
	decodeBody(t, resp, &body)
	if body.Stats.Allowed == 0 || body.Stats.Invocations != 3 {
		t.Errorf("stats = %+v", body.Stats)
	}
	if body.Stats.ByProtocol["mcp"] != 3 {
		t.Errorf("by_protocol = %v", body.Stats.ByProtocol)
	}
}
