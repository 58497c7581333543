package api

import "time"

type deviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Browser  string `json:"browser"`
	OS       string `json:"os"`
}

type signupRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Device   deviceRequest `json:"device"`
}

type loginRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Device   deviceRequest `json:"device"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

type revokeDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type userResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Role          string    `json:"role"`
	Onboarded     bool      `json:"onboarded"`
	CreatedAt     time.Time `json:"created_at"`
}

type tokensResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type authResponse struct {
	User   userResponse   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

type refreshResponse struct {
	Tokens tokensResponse `json:"tokens"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type deviceResponse struct {
	DeviceID     string     `json:"device_id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Browser      string     `json:"browser,omitempty"`
	OS           string     `json:"os,omitempty"`
	LoginAt      time.Time  `json:"login_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	Current      bool       `json:"current"`
	LogoutAt     *time.Time `json:"logout_at,omitempty"`
}

type devicesResponse struct {
	Devices []deviceResponse `json:"devices"`
}
