package httpserver

import (
	"net/http"
)

// UserHandler reports the caller's account: key state and admin flag.
// A user who has never generated keys gets a blank profile, not a 404.
func (s *Server) UserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		prof, err := s.Keys.Profile(r.Context(), user)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"username":      prof.User.Username,
			"fullName":      prof.User.FullName,
			"publicKey":     prof.User.PublicKey,
			"setupComplete": prof.User.SetupComplete,
			"keyUnlocked":   prof.Unlocked,
			"isAdmin":       s.Cfg.IsAdmin(user),
		})
	}
}

// GenerateKeysHandler mints an ed25519 pair for the caller and stores
// the private half encrypted with their password. The response carries
// only the public key; the private key never leaves the server.
func (s *Server) GenerateKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		var p keysPayload
		details, err := decodeJSON(w, r, &p)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		public, err := s.Keys.GenerateKeys(r.Context(), user, p.FullName, p.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"publicKey": public})
	}
}

// ImportKeyHandler lets an admin install an existing private key for
// another user, server-secret encrypted so it unlocks without a
// password.
func (s *Server) ImportKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := UserFrom(r)
		var p importPayload
		details, err := decodeJSON(w, r, &p)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		public, err := s.Keys.ImportKey(r.Context(), actor, p.Username, []byte(p.PrivateKey))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"username": p.Username, "publicKey": public})
	}
}

// UnlockHandler decrypts the caller's stored key into the session key
// store so launches can open SSH connections.
func (s *Server) UnlockHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		var p unlockPayload
		details, err := decodeJSON(w, r, &p)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Keys.Unlock(r.Context(), user, p.Password); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unlocked": true})
	}
}

// LogoutHandler drops the caller's decrypted key material. Tunnels and
// jobs keep running; only new SSH work needs another unlock.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		s.Keys.Logout(user)
		writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
	}
}
