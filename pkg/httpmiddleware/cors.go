package httpmiddleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSConfig lists what cross-origin browsers may do.
type CORSConfig struct {
	// AllowOrigins of nil or ["*"] allows any origin.
	AllowOrigins     []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// CORS answers preflight requests and sets the Access-Control headers.
func CORS(cfg CORSConfig) Middleware {
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", HeaderRequestID},
		ExposedHeaders:   []string{HeaderRequestID, "Retry-After"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
	return c.Handler
}
