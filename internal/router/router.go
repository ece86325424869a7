package router

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echoSwagger "github.com/swaggo/echo-swagger"
	"golang.org/x/time/rate"

	"taskflow/internal/auth"
	"taskflow/internal/config"
	apperrors "taskflow/internal/errors"
	"taskflow/internal/handler"
	"taskflow/internal/model"
)

// Register wires routes and middleware.
func Register(
	e *echo.Echo,
	cfg *config.Config,
	jwtService *auth.JWTService,
	authHandler *handler.AuthHandler,
	taskHandler *handler.TaskHandler,
) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	e.Validator = &CustomValidator{validator: validator.New()}
	e.HTTPErrorHandler = apperrors.HTTPErrorHandler

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Server is running",
			"version": "1.0.0",
		})
	})
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":       true,
			"message":       "Task Management API",
			"version":       "1.0.0",
			"documentation": "/api-docs",
			"health":        "/health",
		})
	})

	e.GET("/api-docs/*", echoSwagger.WrapHandler)
	e.Static("/app", "web")

	api := e.Group("/api/v1", middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))

	// Public routes
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	// Secured routes: bearer token required, identity attached to context
	secured := api.Group("", echojwt.WithConfig(echojwt.Config{
		ParseTokenFunc: func(c echo.Context, token string) (interface{}, error) {
			return jwtService.ValidateToken(token)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		},
	}))

	secured.GET("/auth/me", authHandler.Me)

	// /tasks/stats must be registered alongside /tasks/:id; echo matches the
	// static segment first.
	secured.GET("/tasks", taskHandler.List)
	secured.GET("/tasks/stats", taskHandler.Stats, RequireRole(model.RoleAdmin))
	secured.GET("/tasks/:id", taskHandler.Get)
	secured.POST("/tasks", taskHandler.Create)
	secured.PUT("/tasks/:id", taskHandler.Update)
	secured.DELETE("/tasks/:id", taskHandler.Delete)
}

// RequireRole gates a route to callers whose token carries the given role.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := c.Get("user").(*auth.Claims)
			if !ok || claims == nil {
				return apperrors.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if claims.Role != role {
				return apperrors.MapErrorToHTTP(apperrors.ErrForbidden)
			}
			return next(c)
		}
	}
}

// CustomValidator wraps validator for Echo.
type CustomValidator struct {
	validator *validator.Validate
}

// Validate implements echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
