package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgpromote/internal/config"
	"tgpromote/internal/model"
	"tgpromote/internal/scheduler"
	"tgpromote/internal/sender"
	"tgpromote/internal/storage"
	"tgpromote/internal/tele"
)

const (
	ownerID = int64(1001)
	adminID = int64(2002)
)

type releases struct{ got []string }

func (r *releases) Release(credential string) { r.got = append(r.got, credential) }

type env struct {
	store    *storage.Store
	sup      *scheduler.Supervisor
	released *releases
	uploads  string
	handler  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open("file:" + filepath.Join(t.TempDir(), "api.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.EnsureAdmin(ctx, model.Admin{UserID: ownerID, IsSuper: true}))
	_, err = store.AddAdmin(ctx, model.Admin{UserID: adminID, Username: "helper"})
	require.NoError(t, err)

	logger := zap.NewNop()
	dialer := tele.DialerFunc(func(context.Context, string) (tele.Conn, error) {
		return nil, errors.New("offline")
	})
	pool := tele.NewManager(dialer, time.Second, logger)
	sup := scheduler.NewSupervisor(scheduler.Options{
		Store:    store,
		Pool:     pool,
		Executor: sender.NewExecutor(&sender.Stats{}, time.Second, logger),
		Delays:   config.DefaultDelays(),
		Logger:   logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	rel := &releases{}
	uploads := t.TempDir()
	return &env{
		store:    store,
		sup:      sup,
		released: rel,
		uploads:  uploads,
		handler:  NewRouter(store, sup, rel, uploads, logger),
	}
}

func (e *env) do(t *testing.T, method, path string, as int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != 0 {
		req.Header.Set(AdminHeader, strconv.FormatInt(as, 10))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// uploaded places a file in the upload directory and returns its path.
func (e *env) uploaded(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.uploads, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	return path
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthNeedsNoAdmin(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/ads", 0, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/ads", 999, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/ads", adminID, nil).Code)
}

func TestAdminsSuperOnly(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/api/admins", adminID, nil).Code)

	rec := e.do(t, http.MethodPost, "/api/admins", ownerID, map[string]any{"user_id": 3003})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/admins", ownerID, map[string]any{"user_id": 3003})
	assert.Equal(t, http.StatusConflict, rec.Code)

	list := decodeBody[[]model.Admin](t, e.do(t, http.MethodGet, "/api/admins", ownerID, nil))
	assert.Len(t, list, 3)
}

func TestCampaignStartStop(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/campaigns/publish/start", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.sup.Running(model.KindPublish, adminID))

	rec = e.do(t, http.MethodPost, "/api/campaigns/publish/start", adminID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	list := decodeBody[[]scheduler.Campaign](t, e.do(t, http.MethodGet, "/api/campaigns", adminID, nil))
	require.Len(t, list, 1)
	assert.Equal(t, model.KindPublish, list[0].Kind)

	done := e.sup.Done(model.KindPublish, adminID)
	rec = e.do(t, http.MethodPost, "/api/campaigns/publish/stop", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish loop did not stop")
	}

	rec = e.do(t, http.MethodPost, "/api/campaigns/publish/stop", adminID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaignUnknownKind(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/campaigns/spam/start", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccounts(t *testing.T) {
	e := newEnv(t)
	session := strings.Repeat("s", 150)

	rec := e.do(t, http.MethodPost, "/api/accounts", adminID, map[string]any{"session": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/accounts", adminID, map[string]any{"session": session, "phone": "+100"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decodeBody[map[string]any](t, rec)["id"].(float64))

	rec = e.do(t, http.MethodPost, "/api/accounts", adminID, map[string]any{"session": session})
	assert.Equal(t, http.StatusConflict, rec.Code)

	path := "/api/accounts/" + strconv.FormatInt(id, 10)
	toggled := decodeBody[map[string]any](t, e.do(t, http.MethodPost, path+"/toggle", adminID, nil))
	assert.Equal(t, false, toggled["active"])

	list := decodeBody[[]map[string]any](t, e.do(t, http.MethodGet, "/api/accounts", adminID, nil))
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "session")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, path, ownerID, nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, path, adminID, nil).Code)
	assert.Equal(t, []string{session}, e.released.got)
}

func TestAds(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"text": " "}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"type": "photo"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"type": "video", "text": "x"}).Code)

	rec := e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"text": "buy now"})
	require.Equal(t, http.StatusCreated, rec.Code)
	photo := e.uploaded(t, "a.jpg")
	rec = e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"type": "photo", "text": "look", "media_path": photo})
	require.Equal(t, http.StatusCreated, rec.Code)

	ads := decodeBody[[]model.Ad](t, e.do(t, http.MethodGet, "/api/ads", adminID, nil))
	require.Len(t, ads, 2)
	assert.Equal(t, model.AdPhoto, ads[1].Type)
	assert.Equal(t, "photo", ads[1].FileType)
	assert.Equal(t, photo, ads[1].MediaPath)

	assert.Empty(t, decodeBody[[]model.Ad](t, e.do(t, http.MethodGet, "/api/ads", ownerID, nil)))

	path := "/api/ads/" + strconv.FormatInt(ads[0].ID, 10)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, path, adminID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, path, adminID, nil).Code)
}

func TestGroupsBulkAdd(t *testing.T) {
	e := newEnv(t)

	text := "join https://t.me/+AbCdEf123 and t.me/golang_news, again https://t.me/golang_news."
	rec := e.do(t, http.MethodPost, "/api/groups", adminID, map[string]any{"text": text})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[addGroupsResp](t, rec)
	assert.ElementsMatch(t, []string{"https://t.me/+AbCdEf123", "https://t.me/golang_news"}, resp.Added)
	assert.Empty(t, resp.Duplicates)

	rec = e.do(t, http.MethodPost, "/api/groups", adminID, map[string]any{"link": "golang_news"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[addGroupsResp](t, rec)
	assert.Empty(t, resp.Added)
	assert.Equal(t, []string{"https://t.me/golang_news"}, resp.Duplicates)

	rec = e.do(t, http.MethodPost, "/api/groups", adminID, map[string]any{"link": "not a link!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pending := decodeBody[[]model.Group](t, e.do(t, http.MethodGet, "/api/groups?status=pending", adminID, nil))
	assert.Len(t, pending, 2)
	assert.Empty(t, decodeBody[[]model.Group](t, e.do(t, http.MethodGet, "/api/groups?status=joined", adminID, nil)))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/groups?status=weird", adminID, nil).Code)
}

func TestGroupQR(t *testing.T) {
	e := newEnv(t)
	id, err := e.store.AddGroup(context.Background(), adminID, "https://t.me/golang_news")
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/groups/"+strconv.FormatInt(id, 10)+"/qr", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = e.do(t, http.MethodGet, "/api/groups/9999/qr", adminID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplies(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/replies/other", adminID, map[string]any{"text": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/replies/keyword", adminID, map[string]any{"text": "x"}).Code)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/replies/keyword", adminID,
		map[string]any{"trigger": "price", "text": "DM me"}).Code)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/replies/private", adminID,
		map[string]any{"text": "busy, later"}).Code)

	kw := decodeBody[[]model.KeywordReply](t, e.do(t, http.MethodGet, "/api/replies/keyword", adminID, nil))
	require.Len(t, kw, 1)
	assert.Equal(t, "price", kw[0].Trigger)

	path := "/api/replies/keyword/" + strconv.FormatInt(kw[0].ID, 10)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, path, adminID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, path, adminID, nil).Code)
}

func TestStatsAndLogs(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.AddGroup(context.Background(), adminID, "https://t.me/golang_news")
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/stats", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Engine scheduler.Statistics `json:"engine"`
		Totals storage.Totals       `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Totals.GroupsPending)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/stats/reset", adminID, nil).Code)

	logs := decodeBody[[]storage.LogEntry](t, e.do(t, http.MethodGet, "/api/logs?limit=5", adminID, nil))
	require.NotEmpty(t, logs)
	assert.Equal(t, "reset_stats", logs[0].Action)
}

func TestUpload(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("kind", "photo"))
	fw, err := mw.CreateFormFile("file", "banner.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG fake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(AdminHeader, strconv.FormatInt(adminID, 10))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "image/png", resp["mimetype"])
	assert.True(t, strings.HasPrefix(resp["url"], "/uploads/"))
	data, err := os.ReadFile(resp["media_path"])
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))

	served := e.do(t, http.MethodGet, resp["url"], 0, nil)
	assert.Equal(t, http.StatusOK, served.Code)
}

func TestMediaPathMustBeUploaded(t *testing.T) {
	e := newEnv(t)
	e.uploaded(t, "card.vcf")
	outside := filepath.Join(t.TempDir(), "campaigns.db")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	for _, p := range []string{
		"/etc/passwd",
		outside,
		"campaigns.db",
		filepath.Join(e.uploads, "..", "campaigns.db"),
		"/uploads/../campaigns.db",
		e.uploads,
		filepath.Join(e.uploads, "missing.jpg"),
	} {
		rec := e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"type": "contact", "text": "x", "media_path": p})
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
		rec = e.do(t, http.MethodPost, "/api/replies/random", adminID, map[string]any{"text": "x", "media_path": p})
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
		rec = e.do(t, http.MethodPost, "/api/replies/keyword", adminID, map[string]any{"trigger": "t", "text": "x", "media_path": p})
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
	}
	assert.Empty(t, decodeBody[[]model.Ad](t, e.do(t, http.MethodGet, "/api/ads", adminID, nil)))

	rec := e.do(t, http.MethodPost, "/api/ads", adminID, map[string]any{"type": "contact", "text": "x", "media_path": "/uploads/card.vcf"})
	require.Equal(t, http.StatusCreated, rec.Code)
	ads := decodeBody[[]model.Ad](t, e.do(t, http.MethodGet, "/api/ads", adminID, nil))
	require.Len(t, ads, 1)
	assert.Equal(t, filepath.Join(e.uploads, "card.vcf"), ads[0].MediaPath)
}

func TestLogsScopedToAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.LogAction(ctx, adminID, "start_publish", ""))
	require.NoError(t, e.store.LogAction(ctx, 3003, "start_join", ""))

	mine := decodeBody[[]storage.LogEntry](t, e.do(t, http.MethodGet, "/api/logs", adminID, nil))
	require.Len(t, mine, 1)
	assert.Equal(t, "start_publish", mine[0].Action)

	all := decodeBody[[]storage.LogEntry](t, e.do(t, http.MethodGet, "/api/logs", ownerID, nil))
	assert.Len(t, all, 2)
}
