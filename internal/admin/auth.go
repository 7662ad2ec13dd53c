package admin

import (
	"net/http"

	"mcphub/internal/api"
	"mcphub/internal/auth"
	"mcphub/internal/settings"
)

type authRoutes struct {
	store *settings.Store
	auth  *auth.Manager
}

type userView struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (a *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, ok := a.store.Current().FindUser(req.Username)
	if !ok || !auth.CheckPassword(user.Password, req.Password) {
		writeError(w, api.NewUnauthorizedError("invalid username or password"))
		return
	}

	token, err := a.auth.IssueToken(user)
	if err != nil {
		writeError(w, api.NewInternalError(err))
		return
	}
	writeData(w, map[string]interface{}{
		"token": token,
		"user":  userView{Username: user.Username, IsAdmin: user.IsAdmin},
	})
}

// register creates a user. The very first user becomes the admin; once any
// user exists, only an admin token may create more.
func (a *authRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" {
		writeError(w, api.NewConfigError("username is required"))
		return
	}
	if len(req.Password) < 6 {
		writeError(w, api.NewConfigError("password must be at least 6 characters"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, api.NewInternalError(err))
		return
	}

	user := &settings.User{Username: req.Username, Password: hash}
	err = a.store.Update(func(doc *settings.Settings) error {
		if len(doc.Users) > 0 && !a.requestIsAdmin(r) {
			return api.NewForbiddenError("registration is closed")
		}
		if _, exists := doc.FindUser(req.Username); exists {
			return api.NewConfigError("user %q already exists", req.Username)
		}
		user.IsAdmin = len(doc.Users) == 0
		doc.Users = append(doc.Users, user)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := a.auth.IssueToken(user)
	if err != nil {
		writeError(w, api.NewInternalError(err))
		return
	}
	writeCreated(w, map[string]interface{}{
		"token": token,
		"user":  userView{Username: user.Username, IsAdmin: user.IsAdmin},
	})
}

// requestIsAdmin validates an optional token on a public route.
func (a *authRoutes) requestIsAdmin(r *http.Request) bool {
	token := r.Header.Get(auth.HeaderToken)
	if token == "" {
		token = r.URL.Query().Get(auth.QueryToken)
	}
	if token == "" {
		return false
	}
	claims, err := a.auth.ValidateToken(token)
	return err == nil && claims.IsAdmin
}

// me reports the authenticated identity. With skipAuth or bearer auth there
// are no claims; those callers operate as the built-in admin.
func (a *authRoutes) me(w http.ResponseWriter, r *http.Request) {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		writeData(w, userView{Username: claims.Username, IsAdmin: claims.IsAdmin})
		return
	}
	writeData(w, userView{Username: settings.DefaultOwner, IsAdmin: true})
}

func (a *authRoutes) password(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, api.NewUnauthorizedError("a user token is required to change a password"))
		return
	}

	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.NewPassword) < 6 {
		writeError(w, api.NewConfigError("password must be at least 6 characters"))
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, api.NewInternalError(err))
		return
	}

	err = a.store.Update(func(doc *settings.Settings) error {
		user, ok := doc.FindUser(claims.Username)
		if !ok {
			return api.NewNotFoundError("no user named %q", claims.Username)
		}
		if !auth.CheckPassword(user.Password, req.CurrentPassword) {
			return api.NewUnauthorizedError("current password is incorrect")
		}
		user.Password = hash
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}
