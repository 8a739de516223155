package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aigc-platform/internal/assets"
	"aigc-platform/internal/catalog"
	"aigc-platform/internal/config"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/models"
	"aigc-platform/internal/query"
	"aigc-platform/internal/taskstore"
)

type noopQueue struct{}

func (noopQueue) Enqueue(context.Context, string) error { return nil }

type testEnv struct {
	server *Server
	store  *taskstore.Store
	ledger *ledger.Memory
	cat    *catalog.Static
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		DefaultCredits: 100,
		MaxUploadBytes: 10 * 1024 * 1024,
	}
	led := ledger.NewMemory()
	cat := catalog.NewStatic()
	catalog.Seed(cat, 10, 10)
	store := taskstore.New(taskstore.NewMemoryRepo(), led, cat, noopQueue{})
	gw := query.New(led, store)
	srv := New(cfg, store, gw, led, cat, nil, assets.NewLocal(t.TempDir()))
	return &testEnv{server: srv, store: store, ledger: led, cat: cat}
}

func (e *testEnv) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if account != "" {
		req.Header.Set("X-Account-ID", account)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) createAccount(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/accounts", id, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func validSubmit() map[string]any {
	return map[string]any{
		"service_id": "image-age-transform",
		"cost":       10,
		"input":      map[string]any{"image_ref": "uploads/a.png", "target_age": 70},
	}
}

func TestCreateAccountGeneratesID(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodPost, "/accounts", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode[map[string]any](t, rec)
	id, _ := body["account_id"].(string)
	assert.NotEmpty(t, id)
	assert.EqualValues(t, 100, body["balance"])

	balance, err := e.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSubmitLifecycle(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	rec := e.do(t, http.MethodPost, "/tasks", "alice", validSubmit())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	view := decode[models.TaskView](t, rec)
	assert.Equal(t, models.TaskQueued, view.State)
	assert.Equal(t, int64(10), view.Cost)

	rec = e.do(t, http.MethodGet, "/balance", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 90, decode[map[string]any](t, rec)["balance"])

	rec = e.do(t, http.MethodGet, "/tasks/"+view.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/tasks", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]models.TaskView](t, rec)
	require.Len(t, list["tasks"], 1)
	assert.Equal(t, view.ID, list["tasks"][0].ID)
}

func TestSubmitInsufficientCredit(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")
	e.cat.SetCost("image-age-transform", 500)

	body := validSubmit()
	body["cost"] = 500
	rec := e.do(t, http.MethodPost, "/tasks", "alice", body)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/balance", "alice", nil)
	assert.EqualValues(t, 100, decode[map[string]any](t, rec)["balance"], "rejected submit must not charge")
}

func TestSubmitStaleCost(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	body := validSubmit()
	body["cost"] = 5
	rec := e.do(t, http.MethodPost, "/tasks", "alice", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "quoted 5, current 10")
}

func TestSubmitInvalidInput(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	body := validSubmit()
	body["input"] = map[string]any{"image_ref": "uploads/a.png", "target_age": 40}
	rec := e.do(t, http.MethodPost, "/tasks", "alice", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "target_age")
}

func TestSubmitInactiveService(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")
	e.cat.SetActive("image-age-transform", false)

	rec := e.do(t, http.MethodPost, "/tasks", "alice", validSubmit())
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestSubmitUnknownService(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	body := validSubmit()
	body["service_id"] = "nope"
	rec := e.do(t, http.MethodPost, "/tasks", "alice", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRequiresAccountHeader(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodPost, "/tasks", "", validSubmit())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskOwnership(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")
	e.createAccount(t, "bob")

	rec := e.do(t, http.MethodPost, "/tasks", "alice", validSubmit())
	require.Equal(t, http.StatusAccepted, rec.Code)
	view := decode[models.TaskView](t, rec)

	rec = e.do(t, http.MethodGet, "/tasks/"+view.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other accounts must not see the task")
	rec = e.do(t, http.MethodDelete, "/tasks/"+view.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/tasks", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]models.TaskView](t, rec)["tasks"])
}

func TestCancelTask(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	rec := e.do(t, http.MethodPost, "/tasks", "alice", validSubmit())
	require.Equal(t, http.StatusAccepted, rec.Code)
	view := decode[models.TaskView](t, rec)

	rec = e.do(t, http.MethodDelete, "/tasks/"+view.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	balRec := e.do(t, http.MethodGet, "/balance", "alice", nil)
	assert.EqualValues(t, 100, decode[map[string]any](t, balRec)["balance"], "cancel refunds the hold")

	// Terminal tasks cannot be cancelled again.
	rec = e.do(t, http.MethodDelete, "/tasks/"+view.ID, "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeposit(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	rec := e.do(t, http.MethodPost, "/deposits", "alice", map[string]any{"credits": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 600, decode[map[string]any](t, rec)["balance"])

	rec = e.do(t, http.MethodPost, "/deposits", "alice", map[string]any{"credits": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/deposits", "ghost", map[string]any{"credits": 10})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListServicesAndPackages(t *testing.T) {
	e := newTestServer(t)

	rec := e.do(t, http.MethodGet, "/services", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	services := decode[map[string][]models.ServiceDescriptor](t, rec)
	assert.Len(t, services["services"], 2)

	rec = e.do(t, http.MethodGet, "/packages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	packages := decode[map[string][]models.CreditPackage](t, rec)
	require.Len(t, packages["packages"], 4)
	assert.Equal(t, int64(1500), packages["packages"][3].Bonus)
}

func TestUpload(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	pngBuf := &bytes.Buffer{}
	require.NoError(t, png.Encode(pngBuf, img))

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("image", "face.png")
	require.NoError(t, err)
	_, err = part.Write(pngBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("X-Account-ID", "alice")
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decode[map[string]string](t, rec)["image_ref"]
	assert.True(t, strings.Contains(ref, "uploads"), "ref: %s", ref)
	assert.True(t, strings.HasSuffix(ref, ".png"), "png input stays png: %s", ref)
}

func TestUploadRejectsGarbage(t *testing.T) {
	e := newTestServer(t)
	e.createAccount(t, "alice")

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("image", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("not an image"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("X-Account-ID", "alice")
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthz(t *testing.T) {
	e := newTestServer(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
