package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openbmc-pldm/fwupdated/internal/component"
	"github.com/openbmc-pldm/fwupdated/internal/manager"
	"github.com/openbmc-pldm/fwupdated/internal/signature"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/options"
)

func newTestServer() *httptest.Server {
	mgr := manager.New(mctp.NewLoopback(), signature.Config{}, component.DefaultConfig())
	s := NewServer(options.NewHttpOptions(), mgr)
	return httptest.NewServer(s.server.Handler)
}

func TestGetActivationReportsReadyWithNoPackageStaged(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/activation")
	if err != nil {
		t.Fatalf("GET /v1/activation: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got activationResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Activation != string(manager.ActivationReady) || got.Progress != 0 {
		t.Fatalf("got %+v, want Ready/0", got)
	}
}

func TestPutRequestedActivationRejectsUnsupportedValue(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp := putJSON(t, ts.URL+"/v1/activation/requested", requestedActivation{RequestedActivation: "Bogus"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPutRequestedActivationWithNoPackageStagedConflicts(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp := putJSON(t, ts.URL+"/v1/activation/requested", requestedActivation{RequestedActivation: "Active"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (no package staged)", resp.StatusCode)
	}
}

func TestHealthzOK(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func putJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", url, err)
	}
	return resp
}
