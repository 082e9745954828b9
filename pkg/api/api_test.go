package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/audit"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/lifecycle"
	"github.com/scantrust-labs/omrledger/pkg/signature"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	chain, err := ledger.New(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range chain.Export() {
		if err := s.InsertBlock(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	log, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := lifecycle.New(lifecycle.Config{
		Chain:   chain,
		Store:   s,
		Audit:   log,
		Keyring: signature.NewKeyring("ai-key", "human-key", "admin-key"),
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(m, chain, s, log, Options{TokenSecret: "test-secret"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, ts *httptest.Server, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func runPipeline(t *testing.T, ts *httptest.Server, sheetID, roll string) {
	t.Helper()
	steps := []struct {
		path string
		body map[string]interface{}
	}{
		{"/api/scan/create", map[string]interface{}{
			"sheet_id": sheetID, "roll_number": roll, "exam_id": "EX-1", "file_hash": "h-" + sheetID,
		}},
		{"/api/quality/assess", map[string]interface{}{
			"sheet_id": sheetID,
			"assessment": map[string]interface{}{
				"overall_quality_score": 0.95, "is_recoverable": true,
			},
		}},
		{"/api/bubble/create", map[string]interface{}{
			"sheet_id": sheetID, "answers": map[string]string{"1": "A", "2": "B"},
		}},
		{"/api/score/create", map[string]interface{}{
			"sheet_id": sheetID, "model": "scorer-v1",
			"predictions": map[string]string{"1": "A"}, "confidence": 0.9,
		}},
		{"/api/verify/create", map[string]interface{}{
			"sheet_id": sheetID,
			"signatures": []map[string]string{
				{"signer_type": "ai-verifier", "signer_key": "ai-key"},
				{"signer_type": "human-verifier", "signer_key": "human-key"},
				{"signer_type": "admin-controller", "signer_key": "admin-key"},
			},
		}},
		{"/api/result/commit", map[string]interface{}{
			"sheet_id": sheetID,
			"evaluation": map[string]interface{}{
				"total_marks": 68.0, "max_marks": 100.0, "correct_answers": 34,
				"incorrect_answers": 12, "unanswered": 4, "total_questions": 50,
				"percentage": 68.0, "grade": "B",
			},
		}},
	}
	for _, step := range steps {
		resp, body := post(t, ts, step.path, step.body, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d: %+v", step.path, resp.StatusCode, body)
		}
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	runPipeline(t, ts, "HTTP_1", "R-HTTP-1")

	resp, body := get(t, ts, "/api/result/R-HTTP-1?exam_id=EX-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result lookup returned %d: %+v", resp.StatusCode, body)
	}
	if body["grade"] != "B" || body["qr_payload"] == "" {
		t.Fatalf("unexpected result body: %+v", body)
	}

	resp, body = get(t, ts, "/api/result/R-HTTP-1/verify?exam_id=EX-1")
	if resp.StatusCode != http.StatusOK || body["verified"] != true {
		t.Fatalf("verify returned %d: %+v", resp.StatusCode, body)
	}

	resp, body = get(t, ts, "/api/blockchain/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats returned %d", resp.StatusCode)
	}
	if body["block_count"].(float64) != 7 {
		t.Fatalf("block count = %v", body["block_count"])
	}

	resp, body = get(t, ts, "/api/blockchain/validate")
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("validate returned %d: %+v", resp.StatusCode, body)
	}

	resp, body = get(t, ts, "/api/audit/HTTP_1/report")
	if resp.StatusCode != http.StatusOK || body["intact"] != true {
		t.Fatalf("audit report returned %d: %+v", resp.StatusCode, body)
	}
	if body["entry_count"].(float64) != 6 {
		t.Fatalf("audit entries = %v", body["entry_count"])
	}

	resp, body = get(t, ts, "/api/audit/HTTP_1/export")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit export returned %d", resp.StatusCode)
	}
	if body["sheet_id"] != "HTTP_1" || body["entry_count"].(float64) != 6 {
		t.Fatalf("unexpected export document: %+v", body)
	}
}

func TestBareRollLookup(t *testing.T) {
	_, ts := newTestServer(t)
	runPipeline(t, ts, "BARE_1", "R-BARE-1")

	resp, body := get(t, ts, "/api/result/R-BARE-1")
	if resp.StatusCode != http.StatusOK || body["grade"] != "B" {
		t.Fatalf("bare lookup returned %d: %+v", resp.StatusCode, body)
	}
	resp, body = get(t, ts, "/api/result/R-BARE-1/verify")
	if resp.StatusCode != http.StatusOK || body["verified"] != true {
		t.Fatalf("bare verify returned %d: %+v", resp.StatusCode, body)
	}

	// The same roll in a second exam makes the bare form ambiguous.
	resp, body = post(t, ts, "/api/scan/create", map[string]interface{}{
		"sheet_id": "BARE_2", "roll_number": "R-BARE-1", "exam_id": "EX-2", "file_hash": "h-bare-2",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second-exam scan returned %d: %+v", resp.StatusCode, body)
	}
	resp, body = get(t, ts, "/api/result/R-BARE-1")
	if resp.StatusCode != http.StatusConflict || body["kind"] != string(domain.KindInvalidState) {
		t.Fatalf("ambiguous roll returned %d: %+v", resp.StatusCode, body)
	}
	if resp, body = get(t, ts, "/api/result/R-BARE-1?exam_id=EX-1"); resp.StatusCode != http.StatusOK {
		t.Fatalf("narrowed lookup returned %d: %+v", resp.StatusCode, body)
	}
}

func TestQualityAssessWithoutRecoverableField(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts, "/api/scan/create", map[string]interface{}{
		"sheet_id": "QDEF_1", "roll_number": "R-QDEF-1", "exam_id": "EX-1", "file_hash": "h-qdef",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan returned %d: %+v", resp.StatusCode, body)
	}

	// No is_recoverable in the document; a clean sheet must still pass.
	resp, body = post(t, ts, "/api/quality/assess", map[string]interface{}{
		"sheet_id": "QDEF_1",
		"assessment": map[string]interface{}{
			"overall_quality_score": 0.95, "has_damage": false,
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quality assess returned %d: %+v", resp.StatusCode, body)
	}

	resp, body = get(t, ts, "/api/sheet/QDEF_1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sheet fetch returned %d", resp.StatusCode)
	}
	sheet := body["sheet"].(map[string]interface{})
	if sheet["status"] != string(domain.StatusQualityAssessed) {
		t.Fatalf("clean sheet landed in %v", sheet["status"])
	}
}

func TestProblemMapping(t *testing.T) {
	_, ts := newTestServer(t)

	// Unknown result is 404.
	resp, body := get(t, ts, "/api/result/nobody?exam_id=EX-1")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing result returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type %q", ct)
	}
	if body["kind"] != string(domain.KindNotFound) {
		t.Fatalf("problem kind = %v", body["kind"])
	}

	// Divergent duplicate scan is 409.
	scan := map[string]interface{}{
		"sheet_id": "DUP", "roll_number": "R-DUP", "exam_id": "EX-1", "file_hash": "h1",
	}
	if resp, _ := post(t, ts, "/api/scan/create", scan, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first scan returned %d", resp.StatusCode)
	}
	scan["file_hash"] = "h2"
	resp, body = post(t, ts, "/api/scan/create", scan, nil)
	if resp.StatusCode != http.StatusConflict || body["kind"] != string(domain.KindAlreadyExists) {
		t.Fatalf("divergent scan returned %d: %+v", resp.StatusCode, body)
	}

	// Skipping the pipeline is 409 invalid_state.
	resp, body = post(t, ts, "/api/score/create", map[string]interface{}{
		"sheet_id": "DUP", "model": "m",
	}, nil)
	if resp.StatusCode != http.StatusConflict || body["kind"] != string(domain.KindInvalidState) {
		t.Fatalf("out-of-order score returned %d: %+v", resp.StatusCode, body)
	}

	// Malformed JSON is 400.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/scan/create", bytes.NewReader([]byte("{")))
	rawResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rawResp.Body.Close()
	if rawResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body returned %d", rawResp.StatusCode)
	}
}

func TestIncompleteSignaturesProblem(t *testing.T) {
	_, ts := newTestServer(t)

	steps := []struct {
		path string
		body map[string]interface{}
	}{
		{"/api/scan/create", map[string]interface{}{
			"sheet_id": "SIG", "roll_number": "R-SIG", "exam_id": "EX-1", "file_hash": "h",
		}},
		{"/api/quality/assess", map[string]interface{}{
			"sheet_id": "SIG",
			"assessment": map[string]interface{}{
				"overall_quality_score": 0.9, "is_recoverable": true,
			},
		}},
		{"/api/bubble/create", map[string]interface{}{
			"sheet_id": "SIG", "answers": map[string]string{"1": "A"},
		}},
		{"/api/score/create", map[string]interface{}{
			"sheet_id": "SIG", "model": "m", "confidence": 0.9,
		}},
	}
	for _, step := range steps {
		if resp, body := post(t, ts, step.path, step.body, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d: %+v", step.path, resp.StatusCode, body)
		}
	}

	resp, body := post(t, ts, "/api/verify/create", map[string]interface{}{
		"sheet_id": "SIG",
		"signatures": []map[string]string{
			{"signer_type": "ai-verifier", "signer_key": "ai-key"},
		},
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete signatures returned %d: %+v", resp.StatusCode, body)
	}
	missing, ok := body["missing_signatures"].([]interface{})
	if !ok || len(missing) != 2 {
		t.Fatalf("missing_signatures = %v", body["missing_signatures"])
	}
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, _ := get(t, ts, "/api/interventions")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list returned %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/interventions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token returned %d", resp2.StatusCode)
	}

	token, err := srv.Tokens().Issue("op-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/interventions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp3, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list returned %d", resp3.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp3.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["count"].(float64) != 0 {
		t.Fatalf("expected empty queue, got %+v", body)
	}
}

func TestResolveInterventionOverHTTP(t *testing.T) {
	srv, ts := newTestServer(t)

	if resp, body := post(t, ts, "/api/scan/create", map[string]interface{}{
		"sheet_id": "IVN", "roll_number": "R-IVN", "exam_id": "EX-1", "file_hash": "h",
	}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("scan returned %d: %+v", resp.StatusCode, body)
	}
	resp, body := post(t, ts, "/api/quality/assess", map[string]interface{}{
		"sheet_id": "IVN",
		"assessment": map[string]interface{}{
			"has_damage": true, "overall_quality_score": 0.3,
			"is_recoverable": false, "severe_damage_count": 5,
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assess returned %d: %+v", resp.StatusCode, body)
	}
	if body["status"] != string(domain.StatusQualityRejected) {
		t.Fatalf("assessment status = %v", body["status"])
	}

	token, err := srv.Tokens().Issue("op-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/interventions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var list map[string]interface{}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	listResp.Body.Close()
	items := list["interventions"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("queue = %+v", list)
	}
	ivID := items[0].(map[string]interface{})["intervention_id"].(string)

	resp, body = post(t, ts, "/api/interventions/resolve", map[string]interface{}{
		"intervention_id": ivID,
		"sheet_id":        "IVN",
		"resolution":      "sheet rescanned after repair",
		"resolved_by":     "op-1",
	}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve returned %d: %+v", resp.StatusCode, body)
	}

	// The sheet is back to scanned and can be reassessed.
	resp, body = get(t, ts, "/api/sheet/IVN")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sheet get returned %d", resp.StatusCode)
	}
	sheet := body["sheet"].(map[string]interface{})
	if sheet["status"] != string(domain.StatusScanned) {
		t.Fatalf("sheet status = %v", sheet["status"])
	}
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	chain, err := ledger.New(1)
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := lifecycle.New(lifecycle.Config{
		Chain:   chain,
		Store:   s,
		Audit:   log,
		Keyring: signature.NewKeyring("a", "b", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(m, chain, s, log, Options{RateRPS: 1, RateBurst: 2})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := ts.Client().Get(ts.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("Retry-After") == "" {
				t.Fatal("429 without Retry-After")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of 10 requests was never rate limited")
	}
}

func TestRequestIDEcho(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-me-123" {
		t.Fatalf("request id = %q", got)
	}

	// A missing id is minted.
	resp2, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Fatal("no request id assigned")
	}
}

func TestChainBlockEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	runPipeline(t, ts, "BLK", "R-BLK")

	resp, body := get(t, ts, "/api/blockchain/block/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block get returned %d", resp.StatusCode)
	}
	if body["block_type"] != string(ledger.TypeScan) {
		t.Fatalf("block type = %v", body["block_type"])
	}

	resp, _ = get(t, ts, "/api/blockchain/block/999")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing block returned %d", resp.StatusCode)
	}

	resp, _ = get(t, ts, fmt.Sprintf("/api/blockchain/proof/%d?key=sheet_id", 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proof returned %d", resp.StatusCode)
	}
}
