package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

// Deps are the collaborators the gateway routes need. Auth and RateLimitStore
// are optional.
type Deps struct {
	Upstream Upstream
	Enricher Enricher
	Advisor  Advisor
	Auth     Authenticator

	RateLimitStore  middleware.RateLimiterStore
	RateLimitWindow time.Duration

	Logger       *log.Logger
	ClientPrefix string
	FeedPath     string
}

// Configure installs the serializer, error handler and global middleware.
func Configure(e *echo.Echo, logger *log.Logger) {
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = SonicSerializer{}
	e.HTTPErrorHandler = HTTPErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:      isPlainOptions,
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(inflateRequest())
}

// isPlainOptions reports an OPTIONS request that is not a browser preflight.
// CORS leaves those to the proxy so upstream can answer them.
func isPlainOptions(c echo.Context) bool {
	req := c.Request()
	return req.Method == http.MethodOptions && req.Header.Get(echo.HeaderAccessControlRequestMethod) == ""
}

// Register wires up all gateway routes on the provided Echo instance. The XP
// route is registered before the catch-all so it is never proxied.
func Register(e *echo.Echo, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	prefix := strings.TrimRight(deps.ClientPrefix, "/")

	e.GET("/healthz", healthz())

	xpRoute := prefix + suggestXPPath
	var xpMiddleware []echo.MiddlewareFunc
	if deps.Auth != nil {
		xpMiddleware = append(xpMiddleware, requireBearer(deps.Auth))
	}
	if deps.RateLimitStore != nil {
		xpMiddleware = append(xpMiddleware, rateLimit(deps.RateLimitStore, deps.RateLimitWindow))
	}
	e.POST(xpRoute, suggestXP(deps.Advisor, xpRoute, logger), xpMiddleware...)

	proxyRoute := prefix + "/*"
	h := proxy(deps.Upstream, deps.Enricher, proxyRoute, deps.FeedPath, logger)
	if prefix != "" {
		e.Any(prefix, h)
	}
	e.Any(proxyRoute, h)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
	}
}
