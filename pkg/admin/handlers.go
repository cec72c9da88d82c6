package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/server"
)

// Health is the body of GET /healthz.
type Health struct {
	Status  string `json:"status"`
	Players int    `json:"players"`
}

// Metadata is the body of GET /metadata.
type Metadata struct {
	Version     string `json:"version"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	PlayerCount int32  `json:"player_count"`
	PlayerLimit int32  `json:"player_limit"`
}

// KickRequest is the body of POST /players/{username}/kick.
type KickRequest struct {
	Message string `json:"message"`
}

// BanRequest is the body of POST /bans. Duration uses time.ParseDuration
// syntax; empty bans permanently.
type BanRequest struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
	Duration string `json:"duration,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, Health{Status: "ok", Players: len(a.srv.Players())})
}

func (a *Admin) metadata(w http.ResponseWriter, r *http.Request) {
	md := a.srv.Metadata()
	a.writeJSON(w, http.StatusOK, Metadata{
		Version:     md.ServerVersion.String(),
		Title:       md.Title,
		Subtitle:    md.Subtitle,
		PlayerCount: md.PlayerCount,
		PlayerLimit: md.PlayerLimit,
	})
}

func (a *Admin) players(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.srv.Players())
}

func (a *Admin) player(w http.ResponseWriter, r *http.Request) {
	p, ok := a.srv.Player(chi.URLParam(r, "username"))
	if !ok {
		a.writeError(w, http.StatusNotFound, server.ErrPlayerNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, p.Info())
}

func (a *Admin) kick(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	err := a.srv.Kick(r.Context(), chi.URLParam(r, "username"), req.Message)
	switch {
	case errors.Is(err, server.ErrPlayerNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *Admin) ban(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d < 0 {
			a.writeError(w, http.StatusBadRequest, errors.New("duration must be a positive Go duration"))
			return
		}
	}
	if err := a.srv.Ban(r.Context(), req.Username, req.Reason, d); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("write response", zap.Error(err))
	}
}

func (a *Admin) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorBody{Error: err.Error()})
}
