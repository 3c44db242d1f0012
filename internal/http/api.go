package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgpromote/internal/model"
	"tgpromote/internal/scheduler"
	"tgpromote/internal/storage"
)

// Releaser drops a pooled connection, used when an account is deleted.
type Releaser interface {
	Release(credential string)
}

type API struct {
	Store      *storage.Store
	Supervisor *scheduler.Supervisor
	Pool       Releaser
	UploadDir  string
	Router     *chi.Mux
	logger     *zap.Logger
}

func NewRouter(store *storage.Store, sup *scheduler.Supervisor, pool Releaser, uploadDir string, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	api := &API{
		Store:      store,
		Supervisor: sup,
		Pool:       pool,
		UploadDir:  uploadDir,
		Router:     chi.NewRouter(),
		logger:     logger.Named("http"),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Group(func(r chi.Router) {
		r.Use(a.requireAdmin)

		// Campaign control
		r.Get("/api/campaigns", a.handleListCampaigns)
		r.Post("/api/campaigns/{kind}/start", a.handleStartCampaign)
		r.Post("/api/campaigns/{kind}/stop", a.handleStopCampaign)
		r.Get("/api/stats", a.handleStats)
		r.Post("/api/stats/reset", a.handleResetStats)

		// Accounts
		r.Get("/api/accounts", a.handleListAccounts)
		r.Post("/api/accounts", a.handleCreateAccount)
		r.Post("/api/accounts/{id}/toggle", a.handleToggleAccount)
		r.Delete("/api/accounts/{id}", a.handleDeleteAccount)

		// Ads
		r.Get("/api/ads", a.handleListAds)
		r.Post("/api/ads", a.handleCreateAd)
		r.Delete("/api/ads/{id}", a.handleDeleteAd)

		// Join targets
		r.Get("/api/groups", a.handleListGroups)
		r.Post("/api/groups", a.handleAddGroups)
		r.Get("/api/groups/{id}/qr", a.handleGroupQR)
		r.Delete("/api/groups/{id}", a.handleDeleteGroup)

		// Auto replies
		r.Get("/api/replies/{kind}", a.handleListReplies)
		r.Post("/api/replies/{kind}", a.handleCreateReply)
		r.Delete("/api/replies/{kind}/{id}", a.handleDeleteReply)

		// Audit log and uploads
		r.Get("/api/logs", a.handleLogs)
		r.Post("/api/upload", a.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(a.requireSuper)
			r.Get("/api/admins", a.handleListAdmins)
			r.Post("/api/admins", a.handleAddAdmin)
			r.Delete("/api/admins/{id}", a.handleDeleteAdmin)
		})
	})

	a.Router.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(a.UploadDir))))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type ctxKey int

const adminKey ctxKey = iota

// AdminHeader carries the Telegram user ID of the calling admin.
const AdminHeader = "X-Admin-ID"

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(AdminHeader)), 10, 64)
		if err != nil || userID <= 0 {
			writeErr(w, http.StatusUnauthorized, "admin id required")
			return
		}
		admin, err := a.Store.GetAdmin(r.Context(), userID)
		if errors.Is(err, storage.ErrNotFound) {
			writeErr(w, http.StatusForbidden, "unauthorized")
			return
		}
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, admin)))
	})
}

func (a *API) requireSuper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !adminFrom(r).IsSuper {
			writeErr(w, http.StatusForbidden, "super admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminFrom(r *http.Request) model.Admin {
	admin, _ := r.Context().Value(adminKey).(model.Admin)
	return admin
}

// scopeID is the admin_id rows are stored and filtered under.
func scopeID(r *http.Request) int64 {
	return adminFrom(r).UserID
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

/********** Campaigns **********/

func kindParam(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	kind, ok := model.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown campaign kind")
	}
	return kind, ok
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list := a.Supervisor.Campaigns(scopeID(r))
	if list == nil {
		list = []scheduler.Campaign{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	if !a.Supervisor.Start(kind, scopeID(r)) {
		writeErr(w, http.StatusConflict, "campaign already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "running": true})
}

func (a *API) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	if !a.Supervisor.Stop(kind, scopeID(r)) {
		writeErr(w, http.StatusNotFound, "campaign not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "running": false})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	totals, err := a.Store.Totals(r.Context(), scopeID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engine": a.Supervisor.Statistics(),
		"totals": totals,
	})
}

func (a *API) handleResetStats(w http.ResponseWriter, r *http.Request) {
	a.Supervisor.ResetStatistics()
	if err := a.Store.LogAction(r.Context(), scopeID(r), "reset_stats", ""); err != nil {
		a.logger.Debug("audit log failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

/********** Audit log **********/

// handleLogs shows the caller's own audit rows; super admins see everyone's.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	owner := scopeID(r)
	if adminFrom(r).IsSuper {
		owner = 0
	}
	list, err := a.Store.RecentLogs(r.Context(), owner, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []storage.LogEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

/********** Uploads **********/

// handleUpload stores a photo or contact card for ads and replies. The
// returned path is what media_path fields expect.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "parse multipart failed")
		return
	}
	kind := strings.TrimSpace(r.FormValue("kind"))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "file missing")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	var mime string
	switch kind {
	case string(model.AdPhoto):
		switch ext {
		case ".png":
			mime = "image/png"
		case ".webp":
			mime = "image/webp"
		default:
			ext, mime = ".jpg", "image/jpeg"
		}
	case string(model.AdContact):
		ext, mime = ".vcf", "text/x-vcard"
	default:
		writeErr(w, http.StatusBadRequest, "invalid kind")
		return
	}

	if err := os.MkdirAll(a.UploadDir, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, "mkdir uploads failed")
		return
	}
	fname := uuid.NewString() + ext
	path := filepath.Join(a.UploadDir, fname)

	out, err := os.Create(path)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "save file failed")
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		writeErr(w, http.StatusInternalServerError, "write file failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":        "/uploads/" + fname,
		"media_path": path,
		"mimetype":   mime,
	})
}

var errOutsideUploads = errors.New("media_path must point to an uploaded file")

// resolveMedia maps a client supplied media path onto a file inside the
// upload directory. Both the returned media_path and the /uploads/ URL form
// are accepted; anything else is rejected.
func (a *API) resolveMedia(p string) (string, error) {
	p = strings.TrimSpace(p)
	if rest, ok := strings.CutPrefix(p, "/uploads/"); ok {
		p = filepath.Join(a.UploadDir, filepath.FromSlash(rest))
	}
	base, err := filepath.Abs(a.UploadDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errOutsideUploads
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideUploads
	}
	fi, err := os.Lstat(abs)
	if err != nil || !fi.Mode().IsRegular() {
		return "", errOutsideUploads
	}
	return abs, nil
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// storeErr maps store errors onto status codes.
func storeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeErr(w, http.StatusConflict, "already exists")
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
