package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"traceline/internal/coordinator"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/ledger"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/resolver"
	"traceline/internal/syncer"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Ledger *ledger.MemoryLedger
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	mem := ledger.NewMemoryLedger()
	reg := ledger.NewRegistry(mem, ledger.NewSubmitter(mem, log), "owner")
	r := repo.Repo{DB: conn}
	res := resolver.New(r, reg, log)
	coord := coordinator.New(conn, reg, res, log)
	sync := syncer.New(r, events.Writer{DB: conn}, reg, res, log)

	ctx := context.Background()
	for _, seed := range []struct {
		id, email, password, role string
	}{
		{"prod-1", "producer@example.com", "producer-pw", domain.RoleProducer},
		{"insp-1", "inspector@example.com", "inspector-pw", domain.RoleInspector},
	} {
		hash, err := HashPassword(seed.password)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		if err := r.InsertIdentity(ctx, domain.Identity{
			ID: seed.id, Email: seed.email, PasswordHash: hash,
			Role: seed.role, CreatedAt: "2026-01-01T00:00:00Z",
		}); err != nil {
			t.Fatalf("seed identity: %v", err)
		}
	}

	handler, err := New(Config{
		Coordinator: coord,
		Syncer:      sync,
		BasePath:    "/v0",
		Auth:        AuthConfig{JWTSecret: testSecret, Log: log},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Ledger: mem,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func loginAs(t *testing.T, ts *testServer, email, password string) string {
	t.Helper()
	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/auth/login",
		LoginRequest{Email: email, Password: password}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, resp.StatusCode, data)
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Token
}

func producerToken(t *testing.T, ts *testServer) string {
	return loginAs(t, ts, "producer@example.com", "producer-pw")
}

func inspectorToken(t *testing.T, ts *testServer) string {
	return loginAs(t, ts, "inspector@example.com", "inspector-pw")
}

func createTestBatch(t *testing.T, ts *testServer, token, number string) BatchResponse {
	t.Helper()
	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/batches", CreateBatchRequest{
		BatchMetadata: domain.BatchMetadata{
			BatchNumber: number,
			ProductName: "Arabica Coffee",
			Origin:      "Colombia",
			Quantity:    "500",
			Unit:        "kg",
		},
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: %d %s", resp.StatusCode, data)
	}
	var out BatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return out
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/batches", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/auth/login",
		LoginRequest{Email: "producer@example.com", Password: "wrong"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateAndFetchBatch(t *testing.T) {
	ts := newTestServer(t)
	token := producerToken(t, ts)

	created := createTestBatch(t, ts, token, "BATCH-100")
	if created.LedgerTx == nil || *created.LedgerTx == "" {
		t.Fatal("created batch must expose its ledger tx ref")
	}
	if created.Status != domain.BatchPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/batches/BATCH-100", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, data)
	}
	var got domain.Batch
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProductName != "Arabica Coffee" {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestCreateBatchRequiresProducerRole(t *testing.T) {
	ts := newTestServer(t)
	token := inspectorToken(t, ts)

	resp, _ := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/batches", CreateBatchRequest{
		BatchMetadata: domain.BatchMetadata{ProductName: "X", Origin: "Y", Quantity: "1", Unit: "kg"},
	}, token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := ts.Ledger.SubmittedCount("createBatch"); got != 0 {
		t.Fatalf("ledger submissions = %d, want 0", got)
	}
}

func TestValidationEnvelope(t *testing.T) {
	ts := newTestServer(t)
	token := producerToken(t, ts)

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/batches", CreateBatchRequest{
		BatchMetadata: domain.BatchMetadata{Unit: "kg"},
	}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details["problems"] == nil {
		t.Fatal("envelope must list the problems")
	}
}

func TestInspectionFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	createTestBatch(t, ts, producerToken(t, ts), "BATCH-100")
	token := inspectorToken(t, ts)

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/batches/BATCH-100/inspection",
		SubmitInspectionRequest{Result: "passed", Notes: "clean"}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit inspection: %d %s", resp.StatusCode, data)
	}
	var out InspectionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Batch.Status != domain.BatchApproved {
		t.Fatalf("batch status = %s, want approved", out.Batch.Status)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/batches/BATCH-100/inspections", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list inspections: %d %s", resp.StatusCode, data)
	}
	var items []domain.Inspection
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 || items[0].Result != domain.ResultPassed {
		t.Fatalf("unexpected inspections: %+v", items)
	}
}

func TestPartialFailureEnvelopeCarriesRecoveredID(t *testing.T) {
	ts := newTestServer(t)
	createTestBatch(t, ts, producerToken(t, ts), "BATCH-100")
	token := inspectorToken(t, ts)
	ts.Ledger.RevertNext("completeInspection", 1)

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/batches/BATCH-100/inspection",
		SubmitInspectionRequest{Result: "passed"}, token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "ledger_partial_failure" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
	recovered, ok := envelope.Error.Details["ledger_inspection_id"].(float64)
	if !ok || recovered != 1 {
		t.Fatalf("recovered id = %v", envelope.Error.Details["ledger_inspection_id"])
	}

	// Retry through the completion route; no duplicate phase 1.
	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/inspections/complete",
		CompleteInspectionRequest{
			BatchNumber:        "BATCH-100",
			LedgerInspectionID: int64(recovered),
			Result:             "passed",
		}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", resp.StatusCode, data)
	}
	if got := ts.Ledger.SubmittedCount("createInspection"); got != 1 {
		t.Fatalf("phase 1 submissions = %d, want 1", got)
	}
}

func TestLedgerViewRoute(t *testing.T) {
	ts := newTestServer(t)
	token := producerToken(t, ts)
	createTestBatch(t, ts, token, "BATCH-100")

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/batches/BATCH-100/ledger", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger view: %d %s", resp.StatusCode, data)
	}
	var out LedgerBatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != 1 || out.BatchNumber != "BATCH-100" {
		t.Fatalf("unexpected ledger record: %+v", out)
	}
}

func TestSyncRoute(t *testing.T) {
	ts := newTestServer(t)
	token := producerToken(t, ts)
	ts.Ledger.SeedBatch(ledger.BatchRecord{
		BatchNumber: "BATCH-77", ProductName: "Cacao", Origin: "Peru",
		Quantity: "10", Unit: "kg", Status: domain.BatchPending,
		Owner: "0xghost", CreatedAt: time.Now().UTC().Unix(),
	})

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sync", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %s", resp.StatusCode, data)
	}
	var report syncer.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.BatchesCreated != 1 {
		t.Fatalf("created = %d, want 1", report.BatchesCreated)
	}

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/batches/BATCH-77", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconciled batch not visible: %d", resp.StatusCode)
	}
}

func TestManualStatusRoute(t *testing.T) {
	ts := newTestServer(t)
	token := producerToken(t, ts)
	createTestBatch(t, ts, token, "BATCH-100")

	resp, data := doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/batches/BATCH-100/status",
		UpdateStatusRequest{Status: "inspected"}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, data)
	}

	// Terminal jump from pending is not in the table.
	createTestBatch(t, ts, token, "BATCH-101")
	resp, _ = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/batches/BATCH-101/status",
		UpdateStatusRequest{Status: "approved"}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}
