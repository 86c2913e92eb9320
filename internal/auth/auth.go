package auth

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/clubkit/clubkit/internal/platform/httpx"
	"github.com/clubkit/clubkit/internal/shared"
)

// ActorHeader carries the member the caller acts on behalf of. Platform
// services authenticate their own users and forward the member id here.
const ActorHeader = "X-Actor-ID"

// Verifier checks service credentials presented by calling services.
type Verifier struct {
	tokenHash string
}

// NewVerifier constructs a Verifier from the bcrypt hash of the shared
// service token. An empty hash disables authentication; only the test
// runtime does that.
func NewVerifier(tokenHash string) *Verifier {
	return &Verifier{tokenHash: tokenHash}
}

// Verify reports whether the presented token matches the configured hash.
func (v *Verifier) Verify(token string) bool {
	if v.tokenHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(v.tokenHash), []byte(token)) == nil
}

// Middleware authenticates the calling service via bearer token and places
// the acting member, when given, into the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if v.tokenHash != "" && (!ok || !v.Verify(token)) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid service token")
			return
		}
		if raw := r.Header.Get(ActorHeader); raw != "" {
			actorID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || actorID <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", ActorHeader+" must be a positive integer")
				return
			}
			r = r.WithContext(shared.ContextWithActor(r.Context(), actorID))
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
