package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tgpromote/internal/model"
)

// minSessionLen rejects pasted fragments; real string sessions are far longer.
const minSessionLen = 100

/********** Accounts **********/

type createAccountReq struct {
	Session  string `json:"session"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Shared   bool   `json:"shared"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if !decode(w, r, &req) {
		return
	}
	req.Session = strings.TrimSpace(req.Session)
	if len(req.Session) <= minSessionLen {
		writeErr(w, http.StatusBadRequest, "invalid session string")
		return
	}
	owner := scopeID(r)
	if req.Shared {
		owner = 0
	}
	id, err := a.Store.CreateAccount(r.Context(), model.Account{
		AdminID:  owner,
		Session:  req.Session,
		Phone:    req.Phone,
		Name:     req.Name,
		Username: req.Username,
		Active:   true,
	})
	if err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts(r.Context(), scopeID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.Account{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleToggleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	active, err := a.Store.ToggleAccount(r.Context(), id, scopeID(r))
	if err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	acc, err := a.Store.GetAccount(r.Context(), id, scopeID(r))
	if err != nil {
		storeErr(w, err)
		return
	}
	if err := a.Store.DeleteAccount(r.Context(), id, scopeID(r)); err != nil {
		storeErr(w, err)
		return
	}
	if a.Pool != nil {
		a.Pool.Release(acc.Session)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

/********** Ads **********/

type createAdReq struct {
	Type      model.AdType `json:"type"`
	Text      string       `json:"text"`
	MediaPath string       `json:"media_path"`
}

func (a *API) handleCreateAd(w http.ResponseWriter, r *http.Request) {
	var req createAdReq
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = model.AdText
	}
	switch req.Type {
	case model.AdText:
		if strings.TrimSpace(req.Text) == "" {
			writeErr(w, http.StatusBadRequest, "text required")
			return
		}
		req.MediaPath = ""
	case model.AdPhoto, model.AdContact:
		if req.MediaPath == "" {
			writeErr(w, http.StatusBadRequest, "media_path required")
			return
		}
		path, err := a.resolveMedia(req.MediaPath)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		req.MediaPath = path
	default:
		writeErr(w, http.StatusBadRequest, "invalid ad type")
		return
	}
	fileType := ""
	if req.Type != model.AdText {
		fileType = string(req.Type)
	}
	id, err := a.Store.CreateAd(r.Context(), model.Ad{
		AdminID:   scopeID(r),
		Type:      req.Type,
		Text:      req.Text,
		MediaPath: req.MediaPath,
		FileType:  fileType,
	})
	if err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAds(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAds(r.Context(), scopeID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.Ad{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleDeleteAd(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteAd(r.Context(), id, scopeID(r)); err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

/********** Replies **********/

type createReplyReq struct {
	Trigger   string `json:"trigger"`
	Text      string `json:"text"`
	MediaPath string `json:"media_path"`
}

// replyKinds are the URL names of the three reply tables.
var replyKinds = map[string]bool{"private": true, "keyword": true, "random": true}

func (a *API) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !replyKinds[kind] {
		writeErr(w, http.StatusBadRequest, "unknown reply kind")
		return
	}
	var req createReplyReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeErr(w, http.StatusBadRequest, "text required")
		return
	}
	if kind == "private" {
		req.MediaPath = ""
	}
	if req.MediaPath != "" {
		path, err := a.resolveMedia(req.MediaPath)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		req.MediaPath = path
	}
	var (
		id  int64
		err error
	)
	admin := scopeID(r)
	switch kind {
	case "private":
		id, err = a.Store.CreatePrivateReply(r.Context(), admin, req.Text)
	case "keyword":
		if strings.TrimSpace(req.Trigger) == "" {
			writeErr(w, http.StatusBadRequest, "trigger required")
			return
		}
		id, err = a.Store.CreateKeywordReply(r.Context(), model.KeywordReply{
			AdminID: admin, Trigger: strings.TrimSpace(req.Trigger), Text: req.Text, MediaPath: req.MediaPath,
		})
	case "random":
		id, err = a.Store.CreateRandomReply(r.Context(), model.RandomReply{
			AdminID: admin, Text: req.Text, MediaPath: req.MediaPath,
		})
	}
	if err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListReplies(w http.ResponseWriter, r *http.Request) {
	var (
		list any
		err  error
	)
	admin := scopeID(r)
	switch chi.URLParam(r, "kind") {
	case "private":
		list, err = a.Store.PrivateReplies(r.Context(), admin)
	case "keyword":
		list, err = a.Store.KeywordReplies(r.Context(), admin)
	case "random":
		list, err = a.Store.RandomReplies(r.Context(), admin)
	default:
		writeErr(w, http.StatusBadRequest, "unknown reply kind")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleDeleteReply(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !replyKinds[kind] {
		writeErr(w, http.StatusBadRequest, "unknown reply kind")
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteReply(r.Context(), kind, id, scopeID(r)); err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

/********** Admins **********/

type addAdminReq struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

func (a *API) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	var req addAdminReq
	if !decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeErr(w, http.StatusBadRequest, "user_id required")
		return
	}
	id, err := a.Store.AddAdmin(r.Context(), model.Admin{UserID: req.UserID, Username: req.Username, FullName: req.FullName})
	if err != nil {
		storeErr(w, err)
		return
	}
	a.logger.Info("admin added", zap.Int64("user_id", req.UserID), zap.Int64("by", scopeID(r)))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAdmins(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAdmins(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleDeleteAdmin(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteAdmin(r.Context(), id); err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}
