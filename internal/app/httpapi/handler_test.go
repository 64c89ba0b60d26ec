package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/apexmfg/qmib-bridge/internal/app"
	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/services/integration"
	"github.com/apexmfg/qmib-bridge/internal/qmib"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

type stubGateway struct {
	templateErr error
	publishErr  error
	remoteID    string
}

func (g *stubGateway) FetchTemplate(_ context.Context, id string) (batch.Template, error) {
	if g.templateErr != nil {
		return batch.Template{}, g.templateErr
	}
	return batch.Template{ID: id, Name: "Blend"}, nil
}

func (g *stubGateway) FetchEquipment(_ context.Context, id string) (batch.EquipmentRef, error) {
	return batch.EquipmentRef{ID: id, Name: "Reactor 2"}, nil
}

func (g *stubGateway) FetchEquipmentState(_ context.Context, id string) (batch.EquipmentState, error) {
	return batch.EquipmentState{EquipmentID: id, Status: "running"}, nil
}

func (g *stubGateway) PublishBatch(_ context.Context, _ string, _ map[string]interface{}) (qmib.PublishResult, error) {
	if g.publishErr != nil {
		return qmib.PublishResult{}, g.publishErr
	}
	remote := g.remoteID
	if remote == "" {
		remote = "R-1"
	}
	return qmib.PublishResult{RemoteID: remote, Status: "archived"}, nil
}

func (g *stubGateway) AcknowledgeEvent(_ context.Context, _ string, _ batch.EventAck) (qmib.AckResult, error) {
	return qmib.AckResult{Status: "acknowledged"}, nil
}

func newTestServer(t *testing.T, gw *stubGateway) *httptest.Server {
	t.Helper()
	log := logger.NewDefault("httpapi-test")
	log.SetOutput(io.Discard)
	application := app.New(gw, app.Stores{}, integration.Options{}, log)
	srv := httptest.NewServer(NewHandler(application, ""))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateBatch(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "T1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var got map[string]interface{}
	decodeBody(t, resp, &got)
	if got["templateId"] != "T1" {
		t.Fatalf("expected templateId T1, got %v", got["templateId"])
	}
	if got["state"] != string(batch.StateCreated) {
		t.Fatalf("expected state %s, got %v", batch.StateCreated, got["state"])
	}
	if _, ok := got["remoteId"]; ok {
		t.Fatalf("remoteId must be absent before publish")
	}
	if got["localId"] == "" {
		t.Fatalf("expected a local id")
	}
}

func TestCreateBatch_MissingTemplateID(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/batches", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateBatch_UnknownTemplate(t *testing.T) {
	gw := &stubGateway{templateErr: &qmib.GatewayError{Op: "fetch_template", Status: 404, Err: qmib.ErrNotFound}}
	srv := newTestServer(t, gw)

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetBatch_NotFound(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/batches/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, &stubGateway{remoteID: "R-7"})

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "T1"})
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	id, _ := created["localId"].(string)
	if id == "" {
		t.Fatalf("no local id in create response")
	}

	resp = postJSON(t, srv.URL+"/batches/"+id+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}
	var started map[string]interface{}
	decodeBody(t, resp, &started)
	if started["state"] != string(batch.StateInProgress) {
		t.Fatalf("expected %s, got %v", batch.StateInProgress, started["state"])
	}

	resp = postJSON(t, srv.URL+"/batches/"+id+"/complete", map[string]interface{}{
		"data": map[string]interface{}{"yield": 99.1},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", resp.StatusCode)
	}
	var published map[string]interface{}
	decodeBody(t, resp, &published)
	if published["state"] != string(batch.StatePublished) {
		t.Fatalf("expected %s, got %v", batch.StatePublished, published["state"])
	}
	if published["remoteId"] != "R-7" {
		t.Fatalf("expected remoteId R-7, got %v", published["remoteId"])
	}
}

func TestStartBatch_InvalidTransitionConflicts(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "T1"})
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	id := created["localId"].(string)

	resp = postJSON(t, srv.URL+"/batches/"+id+"/start", nil)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/batches/"+id+"/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double start, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCompleteBatch_TransientMapsToBadGateway(t *testing.T) {
	gw := &stubGateway{publishErr: &qmib.GatewayError{Op: "publish_batch", Status: 503, Err: qmib.ErrTransient}}
	srv := newTestServer(t, gw)

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "T1"})
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	id := created["localId"].(string)

	resp = postJSON(t, srv.URL+"/batches/"+id+"/start", nil)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/batches/"+id+"/complete", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The record survives in PublishPending for a later retry.
	getResp, err := http.Get(srv.URL + "/batches/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var rec map[string]interface{}
	decodeBody(t, getResp, &rec)
	if rec["state"] != string(batch.StatePublishPending) {
		t.Fatalf("expected %s, got %v", batch.StatePublishPending, rec["state"])
	}
}

func TestCompleteBatch_CircuitOpenMapsToUnavailable(t *testing.T) {
	gw := &stubGateway{publishErr: fmt.Errorf("publish: %w", qmib.ErrCircuitOpen)}
	srv := newTestServer(t, gw)

	resp := postJSON(t, srv.URL+"/batches", map[string]string{"templateId": "T1"})
	var created map[string]interface{}
	decodeBody(t, resp, &created)
	id := created["localId"].(string)

	resp = postJSON(t, srv.URL+"/batches/"+id+"/start", nil)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/batches/"+id+"/complete", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAcknowledgeEvent(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/events/EV-1/acknowledge", map[string]string{
		"acknowledgedBy": "operator-9",
		"comment":        "resolved",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ack batch.EventAck
	decodeBody(t, resp, &ack)
	if ack.EventID != "EV-1" || ack.AckedBy != "operator-9" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestGetEquipmentState(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/equipment/EQ-2/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var state batch.EquipmentState
	decodeBody(t, resp, &state)
	if state.EquipmentID != "EQ-2" || state.Status != "running" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/reconcile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report map[string]interface{}
	decodeBody(t, resp, &report)
	if _, ok := report["Scanned"]; !ok {
		t.Fatalf("report missing Scanned: %v", report)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
