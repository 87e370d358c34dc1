package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	tokenCookie     = "fyp_token"
	pairingCodeTTL  = 5 * time.Minute
	pairingCodeSize = 8
)

// authState holds the bearer token, outstanding pairing codes, and the
// per-session hook keys registered at session creation.
type authState struct {
	token          string
	pairingEnabled bool

	mu       sync.Mutex
	codes    map[string]time.Time // code -> expiry
	hookKeys map[string]string    // session id -> key
}

func newAuthState(token string, pairingEnabled bool) *authState {
	return &authState{
		token:          token,
		pairingEnabled: pairingEnabled,
		codes:          make(map[string]time.Time),
		hookKeys:       make(map[string]string),
	}
}

func (a *authState) close() {
	a.mu.Lock()
	a.codes = make(map[string]time.Time)
	a.hookKeys = make(map[string]string)
	a.mu.Unlock()
}

// middleware enforces the bearer token on every API route. The token may
// arrive as an Authorization header or as the pairing cookie.
func (a *authState) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.token == "" {
			c.Next()
			return
		}
		if a.tokenOK(bearerToken(c)) {
			c.Next()
			return
		}
		if cookie, err := c.Cookie(tokenCookie); err == nil && a.tokenOK(cookie) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"ok":    false,
			"code":  "unauthorized",
			"error": "missing or invalid token",
		})
	}
}

func (a *authState) tokenOK(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) == 1
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// issuePairingCode mints a single-use code valid for a few minutes.
func (a *authState) issuePairingCode() string {
	code := strings.ReplaceAll(uuid.New().String(), "-", "")[:pairingCodeSize]
	a.mu.Lock()
	a.codes[code] = time.Now().Add(pairingCodeTTL)
	a.mu.Unlock()
	return code
}

// redeemPairingCode consumes a code, reporting whether it was valid.
func (a *authState) redeemPairingCode(code string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.codes[code]
	if !ok {
		return false
	}
	delete(a.codes, code)
	return time.Now().Before(expiry)
}

// registerHookKey mints the per-session key the hook bridge authenticates
// with.
func (a *authState) registerHookKey(sessionID string) string {
	key := uuid.New().String()
	a.mu.Lock()
	a.hookKeys[sessionID] = key
	a.mu.Unlock()
	return key
}

func (a *authState) dropHookKey(sessionID string) {
	a.mu.Lock()
	delete(a.hookKeys, sessionID)
	a.mu.Unlock()
}

// hookAuthorized accepts the bearer token or the session's hook key.
func (a *authState) hookAuthorized(c *gin.Context, sessionID string) bool {
	if a.token == "" || a.tokenOK(bearerToken(c)) {
		return true
	}
	key := c.GetHeader("X-FYP-Hook-Key")
	if key == "" {
		return false
	}
	a.mu.Lock()
	expected, ok := a.hookKeys[sessionID]
	a.mu.Unlock()
	return ok && subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1
}

// handlePair exchanges a pairing code for the bearer token, setting it as a
// cookie so browser clients authenticate without storing the token.
func (g *Gateway) handlePair(c *gin.Context) {
	if !g.auth.pairingEnabled {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "pairing disabled"})
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Code == "" {
		badRequest(c, "code is required")
		return
	}
	if !g.auth.redeemPairingCode(body.Code) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "code": "unauthorized", "error": "invalid or expired pairing code"})
		return
	}
	c.SetCookie(tokenCookie, g.auth.token, int((30 * 24 * time.Hour).Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"ok": true, "token": g.auth.token})
}
