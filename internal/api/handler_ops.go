package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/inspectd/inspectd/internal/fleet"
	"github.com/inspectd/inspectd/internal/proxypool"
)

// StatsResponse is the GET /stats payload.
type StatsResponse struct {
	BotsOnline         int                    `json:"bots_online"`
	BotsTotal          int                    `json:"bots_total"`
	QueueSize          int                    `json:"queue_size"`
	QueueConcurrency   int                    `json:"queue_concurrency"`
	PendingAuth        int                    `json:"pending_auth"`
	CachedItems        int                    `json:"cached_items"`
	ProxyPool          []proxypool.GroupStats `json:"proxy_pool,omitempty"`
	PendingAuthDetails []fleet.PendingAuth    `json:"pending_auth_details,omitempty"`
}

// HandleStats serves GET /stats.
func HandleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			BotsOnline:         deps.Fleet.ReadyCount(),
			BotsTotal:          deps.Fleet.TotalCount(),
			QueueSize:          deps.Queue.Size(),
			QueueConcurrency:   deps.Queue.Concurrency(),
			PendingAuth:        deps.Fleet.PendingAuthCount(),
			PendingAuthDetails: deps.Fleet.PendingAuthDetails(),
		}
		if n, err := deps.Store.Count(); err == nil {
			resp.CachedItems = n
		} else {
			log.Printf("[api] cache count: %v", err)
		}
		if deps.Pool != nil {
			resp.ProxyPool = deps.Pool.Stats()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// authBody is the POST /auth request shape.
type authBody struct {
	Username string `json:"username"`
	Code     string `json:"code"`
	AuthKey  string `json:"auth_key"`
}

// HandleAuth serves POST /auth: retries a pending-auth session with an
// operator-supplied guard code.
func HandleAuth(cfg Config, sup *fleet.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body authBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeKind(w, KindBadBody, "invalid JSON body: "+err.Error())
			return
		}
		if body.Username == "" || body.Code == "" {
			writeKind(w, KindBadBody, "username and code are required")
			return
		}
		if cfg.AuthKey != "" && body.AuthKey != cfg.AuthKey {
			writeKind(w, KindBadSecret, "auth_key mismatch")
			return
		}
		if err := sup.SubmitAuthCode(body.Username, body.Code); err != nil {
			if errors.Is(err, fleet.ErrNoPendingAuth) {
				WriteError(w, http.StatusNotFound, "NotFound", err.Error())
				return
			}
			writeKind(w, KindGenericBad, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
	}
}

// HandlePendingAuth serves GET /pending-auth.
func HandlePendingAuth(sup *fleet.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"pending": sup.PendingAuthDetails(),
		})
	}
}

// HandleStatus serves GET /status.
func HandleStatus(sup *fleet.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, sup.FleetStatus())
	}
}
