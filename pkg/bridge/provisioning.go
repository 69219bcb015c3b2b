// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ProvisioningAPI is the HTTP API for logging bridge users in and out
// from external tools, authenticated with a shared secret.
type ProvisioningAPI struct {
	bridge *Bridge
	log    zerolog.Logger
	server *http.Server
}

func newProvisioningAPI(br *Bridge) *ProvisioningAPI {
	prov := &ProvisioningAPI{
		bridge: br,
		log:    br.Log.With().Str("component", "provisioning").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/provision/v1/ping", prov.auth(prov.handlePing))
	mux.HandleFunc("/_matrix/provision/v1/login", prov.auth(prov.handleLogin))
	mux.HandleFunc("/_matrix/provision/v1/logout", prov.auth(prov.handleLogout))
	prov.server = &http.Server{
		Addr:         br.Config.Provisioning.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return prov
}

// Start begins listening in the background.
func (prov *ProvisioningAPI) Start() error {
	go func() {
		prov.log.Info().Str("address", prov.server.Addr).Msg("Starting provisioning API")
		if err := prov.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			prov.log.Err(err).Msg("Provisioning API listener failed")
		}
	}()
	return nil
}

func (prov *ProvisioningAPI) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := prov.server.Shutdown(ctx); err != nil {
		prov.log.Warn().Err(err).Msg("Failed to shut down provisioning API cleanly")
	}
}

func (prov *ProvisioningAPI) auth(next http.HandlerFunc) http.HandlerFunc {
	secret := prov.bridge.Config.Provisioning.SharedSecret
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			jsonResponse(w, http.StatusUnauthorized, map[string]any{
				"error":   "Invalid auth token",
				"errcode": "M_UNKNOWN_TOKEN",
			})
			return
		}
		next(w, r)
	}
}

func jsonResponse(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// requestUser resolves the user_id query parameter to a bridge user.
func (prov *ProvisioningAPI) requestUser(w http.ResponseWriter, r *http.Request) *User {
	userID := id.UserID(r.URL.Query().Get("user_id"))
	if userID == "" {
		jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":   "Missing user_id query parameter",
			"errcode": "M_MISSING_PARAM",
		})
		return nil
	}
	user := prov.bridge.GetUserByMXID(userID)
	if user == nil {
		jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid user_id",
			"errcode": "M_INVALID_PARAM",
		})
		return nil
	}
	return user
}

func (prov *ProvisioningAPI) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := prov.requestUser(w, r)
	if user == nil {
		return
	}
	resp := map[string]any{
		"mxid": user.MXID,
		"gchat": map[string]any{
			"logged_in": user.IsLoggedIn(),
			"connected": user.State() == StateConnected,
			"state":     string(user.State()),
		},
	}
	if user.GCID != "" {
		resp["gcid"] = user.GCID
	}
	jsonResponse(w, http.StatusOK, resp)
}

type loginRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (prov *ProvisioningAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := prov.requestUser(w, r)
	if user == nil {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":   "Missing or invalid JSON body",
			"errcode": "M_BAD_JSON",
		})
		return
	}
	if user.IsLoggedIn() {
		jsonResponse(w, http.StatusConflict, map[string]any{
			"error":   "Already logged in",
			"errcode": "FI.MAU.ALREADY_LOGGED_IN",
		})
		return
	}
	ctx := r.Context()
	user.RefreshToken = req.RefreshToken
	user.Client = prov.bridge.newClient(user)
	tokens, err := user.Client.RefreshTokens(ctx)
	if err != nil {
		user.RefreshToken = ""
		user.Client = nil
		prov.log.Err(err).Stringer("user_id", user.MXID).Msg("Provisioning login failed")
		jsonResponse(w, http.StatusForbidden, map[string]any{
			"error":   "Invalid refresh token",
			"errcode": "M_FORBIDDEN",
		})
		return
	}
	gcid := user.Client.GetSelf()
	if err = user.Login(ctx, gcid, tokens.RefreshToken); err != nil {
		prov.log.Err(err).Stringer("user_id", user.MXID).Msg("Failed to save provisioning login")
		jsonResponse(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to save login",
			"errcode": "M_UNKNOWN",
		})
		return
	}
	prov.log.Info().Stringer("user_id", user.MXID).Str("gcid", string(gcid)).Msg("Provisioning login successful")
	jsonResponse(w, http.StatusOK, map[string]any{"gcid": gcid})
}

func (prov *ProvisioningAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := prov.requestUser(w, r)
	if user == nil {
		return
	}
	if !user.IsLoggedIn() {
		jsonResponse(w, http.StatusOK, map[string]any{"status": "not_logged_in"})
		return
	}
	if err := user.Logout(r.Context()); err != nil {
		prov.log.Err(err).Stringer("user_id", user.MXID).Msg("Provisioning logout failed")
		jsonResponse(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to log out",
			"errcode": "M_UNKNOWN",
		})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"status": "logged_out"})
}
