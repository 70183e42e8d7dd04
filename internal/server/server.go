package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"escrow-service/internal/domain"
	"escrow-service/internal/service"

	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"
)

const (
	identityKey        = "identity"
	healthCheckTimeout = 2 * time.Second
)

type Options struct {
	// IdentityHeader carries the caller identity set by the
	// authenticating proxy in front of this service.
	IdentityHeader string
	ReadRateLimit  float64
	ReadRateBurst  int
}

type Server struct {
	escrowService  service.EscrowServiceInterface
	identityHeader string
	readLimiter    *identityLimiter
}

func NewServer(escrowService service.EscrowServiceInterface, opts Options) *Server {
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = "X-Client-Identity"
	}
	return &Server{
		escrowService:  escrowService,
		identityHeader: opts.IdentityHeader,
		readLimiter:    newIdentityLimiter(opts.ReadRateLimit, opts.ReadRateBurst),
	}
}

// Register mounts all routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.HealthCheck)

	api := e.Group("/api", s.RequireIdentity)
	records := api.Group("/records")
	records.POST("", s.Deposit)
	records.GET("/:id", s.GetStatus)
	records.GET("/:id/content", s.ReadContent, s.LimitReads)
	records.POST("/:id/grants", s.Grant)
	records.DELETE("/:id/grants/:grantee", s.Revoke)
	records.GET("/:id/audit", s.Audit)
}

func (s *Server) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	if err := s.escrowService.Ping(ctx); err != nil {
		log.WithField("error", err).Error("Health check failed: ledger is unreachable")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "ledger connection error",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// RequireIdentity rejects requests without a caller identity and makes
// the identity available to handlers.
func (s *Server) RequireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := c.Request().Header.Get(s.identityHeader)
		if identity == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "client identity is required",
			})
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

func identity(c echo.Context) string {
	id, _ := c.Get(identityKey).(string)
	return id
}

func handleRecordError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound, "record not found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotVerified):
		return http.StatusConflict, "record not verified"
	case errors.Is(err, domain.ErrRecordAlreadyExists):
		return http.StatusConflict, "record already exists"
	case errors.Is(err, domain.ErrInvalidRecordID):
		return http.StatusBadRequest, "invalid record id"
	case errors.Is(err, domain.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid identity"
	case errors.Is(err, domain.ErrInvalidMetadata):
		return http.StatusBadRequest, "invalid metadata"
	case errors.Is(err, domain.ErrEmptyContent), errors.Is(err, domain.ErrContentTooLarge):
		return http.StatusBadRequest, "invalid content"
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway, "upstream unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func respondError(c echo.Context, err error, msg string) error {
	statusCode, errorMsg := handleRecordError(err)
	entry := log.WithError(err).WithFields(log.Fields{
		"record_id": c.Param("id"),
		"actor":     identity(c),
	})
	if statusCode >= http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Debug(msg)
	}
	return c.JSON(statusCode, map[string]string{
		"error": errorMsg,
	})
}
