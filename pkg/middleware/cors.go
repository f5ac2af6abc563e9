package middleware

import (
	"net/http"
	"slices"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// CORS lets the CRM front ends in allowedOrigins call the REST API. The
// call-control API only serves GET and POST. A "*" entry admits any origin
// but then never sends credentials. Preflight decisions are logged at debug.
func CORS(allowedOrigins []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "cors").Logger()
	wildcard := slices.Contains(allowedOrigins, "*")

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           600,
		Logger:           &log,
	})

	return c.Handler
}
