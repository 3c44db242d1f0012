package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"tgpromote/internal/autojoin"
	"tgpromote/internal/model"
	"tgpromote/internal/storage"
)

// addGroupsReq takes either a single link or free text to pull links out of.
type addGroupsReq struct {
	Link string `json:"link"`
	Text string `json:"text"`
}

type addGroupsResp struct {
	Added      []string `json:"added"`
	Duplicates []string `json:"duplicates"`
	Invalid    []string `json:"invalid,omitempty"`
}

// handleAddGroups stores join targets as pending.
func (a *API) handleAddGroups(w http.ResponseWriter, r *http.Request) {
	var req addGroupsReq
	if !decode(w, r, &req) {
		return
	}
	resp := addGroupsResp{Added: []string{}, Duplicates: []string{}}
	var links []string
	if link := strings.TrimSpace(req.Link); link != "" {
		if !autojoin.ValidateLink(link) {
			resp.Invalid = append(resp.Invalid, link)
		} else {
			links = append(links, autojoin.NormalizeLink(link))
		}
	}
	links = append(links, autojoin.ExtractLinks(req.Text)...)
	if len(links) == 0 {
		writeErr(w, http.StatusBadRequest, "no valid group links")
		return
	}

	for _, link := range links {
		_, err := a.Store.AddGroup(r.Context(), scopeID(r), link)
		switch {
		case err == nil:
			resp.Added = append(resp.Added, link)
		case errors.Is(err, storage.ErrDuplicate):
			resp.Duplicates = append(resp.Duplicates, link)
		default:
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	status := model.GroupStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeErr(w, http.StatusBadRequest, "invalid status")
		return
	}
	list, err := a.Store.Groups(r.Context(), scopeID(r), status)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.Group{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGroupQR renders the group's link as a PNG QR code for sharing.
func (a *API) handleGroupQR(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	g, err := a.Store.GetGroup(r.Context(), id, scopeID(r))
	if err != nil {
		storeErr(w, err)
		return
	}
	png, err := qrcode.Encode(autojoin.NormalizeLink(g.Link), qrcode.Medium, 256)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteGroup(r.Context(), id, scopeID(r)); err != nil {
		storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}
