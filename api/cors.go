package api

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"agentflow/common"

	"github.com/gin-gonic/gin"
)

const (
	allowedOriginsEnv = "AGENTFLOW_ALLOWED_ORIGINS"
	appEnvEnv         = "AGENTFLOW_APP_ENV"
)

// devServerOrigins are added to the loopback defaults when AGENTFLOW_APP_ENV
// is "development".
var devServerOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

// AllowedOrigins is the browser origin allowlist shared by the CORS
// middleware and the event websocket. Requests without an Origin header are
// always allowed.
type AllowedOrigins struct {
	set map[string]struct{}
}

// NewAllowedOrigins resolves the allowlist from AGENTFLOW_ALLOWED_ORIGINS,
// then config.AllowedOrigins, then loopback origins of config.Port.
func NewAllowedOrigins(config common.APIConfig) (*AllowedOrigins, error) {
	if env := os.Getenv(allowedOriginsEnv); env != "" {
		return newAllowedOrigins(strings.Split(env, ","))
	}
	if len(config.AllowedOrigins) > 0 {
		return newAllowedOrigins(config.AllowedOrigins)
	}
	return loopbackOrigins(config.Port), nil
}

func newAllowedOrigins(origins []string) (*AllowedOrigins, error) {
	ao := &AllowedOrigins{set: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		ao.set[normalized] = struct{}{}
	}
	return ao, nil
}

func loopbackOrigins(port int) *AllowedOrigins {
	ao := &AllowedOrigins{set: map[string]struct{}{}}
	for _, host := range []string{"localhost", "127.0.0.1", "[::1]"} {
		ao.set[fmt.Sprintf("http://%s:%d", host, port)] = struct{}{}
	}
	if os.Getenv(appEnvEnv) == "development" {
		for _, origin := range devServerOrigins {
			ao.set[origin] = struct{}{}
		}
	}
	return ao
}

// normalizeOrigin reduces origin to scheme://host[:port], rejecting anything
// that carries more than that.
func normalizeOrigin(origin string) (string, error) {
	parsed, err := url.Parse(origin)
	switch {
	case err != nil:
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	case parsed.Scheme == "" || parsed.Host == "":
		return "", fmt.Errorf("invalid origin %q: scheme and host are required", origin)
	case parsed.Path != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("invalid origin %q: only scheme, host and port are allowed", origin)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func (ao *AllowedOrigins) Allows(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := ao.set[origin]
	return ok
}

// CORSMiddleware rejects requests from origins outside the allowlist and
// answers preflight requests.
func CORSMiddleware(allowedOrigins *AllowedOrigins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !allowedOrigins.Allows(origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization,Content-Type")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// CheckWebSocketOrigin adapts the allowlist to websocket.Upgrader.CheckOrigin.
func CheckWebSocketOrigin(allowedOrigins *AllowedOrigins) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return allowedOrigins.Allows(r.Header.Get("Origin"))
	}
}
