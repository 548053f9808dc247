package authapi

import "pulse/cmd/identity"

type signupRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type updateProfileRequest struct {
	ProfilePic string `json:"profile_pic"`
}

// userResponse carries the user plus the bearer token for non-browser
// clients that cannot read the HttpOnly cookie.
type userResponse struct {
	identity.User
	Token string `json:"token,omitempty"`
}
