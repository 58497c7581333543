package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"stride/internal/auth"
	"stride/internal/identity"
)

// OAuth authorization-code flow. Begin parks an unguessable state value and
// the caller's device id in short-lived cookies and sends the browser to the
// provider's consent page; the callback checks the state echo, exchanges the
// code server-side and hands the resulting profile to the auth service. The
// provider token never reaches the browser.

const (
	oauthStateCookie  = "stride_oauth_state"
	oauthDeviceCookie = "stride_oauth_device"
	oauthCookieMaxAge = 600 // seconds; the consent dance is quick or abandoned
)

func (h *Handler) handleOAuthBegin(p auth.OAuthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
		if deviceID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
			return
		}

		state := ulid.Make().String()
		setOAuthCookie(w, oauthStateCookie, state)
		setOAuthCookie(w, oauthDeviceCookie, deviceID)

		http.Redirect(w, r, p.Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
	}
}

func (h *Handler) handleOAuthCallback(p auth.OAuthProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		stateCookie, err := r.Cookie(oauthStateCookie)
		if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
			writeError(w, http.StatusBadRequest, "invalid_state", "oauth state mismatch")
			return
		}
		deviceCookie, err := r.Cookie(oauthDeviceCookie)
		if err != nil || strings.TrimSpace(deviceCookie.Value) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "oauth device cookie missing")
			return
		}
		clearOAuthCookie(w, oauthStateCookie)
		clearOAuthCookie(w, oauthDeviceCookie)

		code := r.URL.Query().Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		profile, err := p.ExchangeProfile(r.Context(), code)
		if err != nil {
			h.log.Error("api.oauth.exchange.fail", "provider", string(p.Provider), "err", err)
			writeError(w, http.StatusBadGateway, "oauth_exchange_failed", "provider exchange failed")
			return
		}

		dev := h.deviceInfo(r, deviceRequest{DeviceID: deviceCookie.Value})
		res, err := h.svc.OAuthLogin(r.Context(), profile, dev)
		if err != nil {
			if errors.Is(err, identity.ErrUserInactive) {
				writeError(w, http.StatusForbidden, "account_deactivated", "account is deactivated")
				return
			}
			h.log.Error("api.oauth.login.fail", "provider", string(p.Provider), "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(res.User), Tokens: toTokensResponse(res.Tokens)})
	}
}

func setOAuthCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/oauth",
		MaxAge:   oauthCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearOAuthCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/auth/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
