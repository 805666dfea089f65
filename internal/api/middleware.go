package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/core"
)

type identityKey struct{}

// IdentityFrom returns the identity the middleware attached to ctx.
func IdentityFrom(ctx context.Context) core.Identity {
	if id, ok := ctx.Value(identityKey{}).(core.Identity); ok {
		return id
	}
	return core.GuestIdentity("")
}

// IdentityMiddleware resolves the caller: a bearer token names a signed-in
// user, no token means a guest keyed by X-Guest-ID. Browsers opening the
// event stream pass both as query parameters.
func (h *APIHandler) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}

		var id core.Identity
		if token == "" {
			guestID := r.Header.Get("X-Guest-ID")
			if guestID == "" {
				guestID = r.URL.Query().Get("guest_id")
			}
			if err := validate.Var(guestID, "omitempty,max=64,uuid|alphanum"); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid guest id")
				return
			}
			id = core.GuestIdentity(guestID)
		} else {
			if !h.verifier.Enabled() {
				writeError(w, http.StatusUnauthorized, "Sign-in is not available on this server")
				return
			}
			uid, err := h.verifier.ValidateToken(token)
			if err != nil {
				h.logger.Debug().Err(err).Msg("Rejected bearer token")
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			if core.IsGuestUID(uid) {
				h.logger.Warn().Str("sub", uid).Msg("Rejected token claiming a guest subject")
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			id = core.Identity{UID: uid}
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
