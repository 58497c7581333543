// Package api exposes the HTTP auth endpoints: signup, login, refresh,
// logout, device management, password reset and email verification.
package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"stride/internal/auth"
	"stride/internal/auth/session"
	"stride/internal/identity"
	"stride/internal/security/password"
)

// Handler wires HTTP auth endpoints to the auth orchestration service.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc *auth.Service

	oauth    map[identity.Provider]auth.OAuthProvider
	throttle *loginThrottle
}

// NewHandler constructs an auth Handler. OAuth routes are registered for
// every provider configured in the environment.
func NewHandler(log *slog.Logger, cfg Config, svc *auth.Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		oauth:    auth.OAuthProviders(),
		throttle: newLoginThrottle(cfg.LoginMaxFailures, cfg.LoginWindow),
	}
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/signup", h.handleSignup)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/devices", h.handleDevices)
	mux.HandleFunc("/auth/devices/revoke", h.handleRevokeDevice)
	mux.HandleFunc("/auth/password/forgot", h.handleForgotPassword)
	mux.HandleFunc("/auth/password/reset", h.handleResetPassword)
	mux.HandleFunc("/auth/email/verify", h.handleVerifyEmail)
	mux.HandleFunc("/me", h.handleMe)

	for provider, p := range h.oauth {
		base := "/auth/oauth/" + string(provider)
		mux.HandleFunc(base, h.handleOAuthBegin(p))
		mux.HandleFunc(base+"/callback", h.handleOAuthCallback(p))
	}
}

// ---- handlers ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.Device.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email, password and device.device_id are required")
		return
	}

	res, err := h.svc.Signup(r.Context(), req.Email, req.Password, h.deviceInfo(r, req.Device))
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "weak_password", err.Error())
		case identity.IsDuplicateCredential(err):
			writeError(w, http.StatusConflict, "email_taken", "an account with this email already exists")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid signup input")
		default:
			h.log.Error("api.signup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{User: toUserResponse(res.User), Tokens: toTokensResponse(res.Tokens)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" || strings.TrimSpace(req.Device.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email, password and device.device_id are required")
		return
	}

	now := time.Now().UTC()
	ipKey := "ip:" + clientIP(r, h.cfg.TrustProxy)
	emailKey := "email:" + email

	for _, key := range []string{ipKey, emailKey} {
		if blocked, retryAfter := h.throttle.blocked(key, now); blocked {
			h.log.Info("api.login.throttled", "key", key)
			writeRateLimited(w, retryAfter)
			return
		}
	}

	res, err := h.svc.Login(r.Context(), email, req.Password, h.deviceInfo(r, req.Device))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.throttle.fail(ipKey, now)
			h.throttle.fail(emailKey, now)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case errors.Is(err, identity.ErrUserInactive):
			writeError(w, http.StatusForbidden, "account_deactivated", "account is deactivated")
		default:
			h.log.Error("api.login.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.throttle.reset(ipKey)
	h.throttle.reset(emailKey)
	writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(res.User), Tokens: toTokensResponse(res.Tokens)})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" || strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token and device_id are required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, req.DeviceID)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{Tokens: toTokensResponse(pair)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = claims.DeviceID
	}

	if err := h.svc.Logout(r.Context(), claims.Subject, req.RefreshToken, deviceID); err != nil {
		h.log.Error("api.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.svc.LogoutAll(r.Context(), claims.Subject); err != nil {
		h.log.Error("api.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	rows, err := h.svc.Sessions().Devices(r.Context(), claims.Subject, time.Now().UTC())
	if err != nil {
		h.log.Error("api.devices.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	out := devicesResponse{Devices: make([]deviceResponse, 0, len(rows))}
	for _, row := range rows {
		out.Devices = append(out.Devices, toDeviceResponse(row, claims.DeviceID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req revokeDeviceRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}

	// Ownership is enforced by the service: revoking a device the caller does
	// not own reads as "no such device", never as a foreign-device action.
	if err := h.svc.RevokeDevice(r.Context(), claims.Subject, deviceID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "device_not_found", "no active session for this device")
			return
		}
		h.log.Error("api.devices.revoke.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req forgotPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	// The response never reveals whether the account exists. The token reaches
	// the user out of band; delivery is a mailer collaborator's concern.
	if _, err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil && !identity.IsNotFound(err) {
		h.log.Error("api.password.forgot.fail", "err", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and new_password are required")
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "weak_password", err.Error())
		case errors.Is(err, session.ErrInvalidToken):
			writeTokenError(w, err)
		default:
			h.log.Error("api.password.reset.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyEmailRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			writeTokenError(w, err)
			return
		}
		h.log.Error("api.email.verify.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.svc.User(r.Context(), claims.Subject)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("api.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "missing_token", "authorization required")
		return session.Claims{}, false
	}

	now := time.Now().UTC()
	claims, err := h.svc.Sessions().VerifyAccess(tok, now)
	if err != nil {
		writeTokenError(w, err)
		return session.Claims{}, false
	}

	// Keep last_active_at honest on authenticated traffic. Best-effort: a
	// failed touch never fails the request.
	if claims.DeviceID != "" {
		_ = h.svc.Sessions().Touch(r.Context(), now, claims.DeviceID)
	}
	return claims, true
}

func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case session.IsExpired(err):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func bearerToken(r *http.Request) string {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(hdr, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(hdr, "Bearer "))
	}
	return ""
}

func (h *Handler) deviceInfo(r *http.Request, d deviceRequest) session.DeviceInfo {
	return session.DeviceInfo{
		DeviceID:  strings.TrimSpace(d.DeviceID),
		Name:      strings.TrimSpace(d.Name),
		Type:      strings.TrimSpace(d.Type),
		Browser:   strings.TrimSpace(d.Browser),
		OS:        strings.TrimSpace(d.OS),
		IP:        net.ParseIP(clientIP(r, h.cfg.TrustProxy)),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}

// clientIP extracts the caller's IP. With TrustProxy it honors the leftmost
// X-Forwarded-For entry; otherwise the socket peer address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Role:          string(u.Role),
		Onboarded:     u.Onboarded,
		CreatedAt:     u.CreatedAt,
	}
}

func toTokensResponse(p session.Pair) tokensResponse {
	return tokensResponse{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExp,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExp,
	}
}

func toDeviceResponse(row session.Row, currentDeviceID string) deviceResponse {
	return deviceResponse{
		DeviceID:     row.DeviceID,
		Name:         row.Device.Name,
		Type:         row.Device.Type,
		Browser:      row.Device.Browser,
		OS:           row.Device.OS,
		LoginAt:      row.LoginAt,
		LastActiveAt: row.LastActiveAt,
		Current:      currentDeviceID != "" && row.DeviceID == currentDeviceID,
		LogoutAt:     row.LogoutAt,
	}
}
