package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger logs each request. Status polls that succeed are logged at
// debug so pollers do not flood the log.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		var evt *zerolog.Event
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		case c.Request.Method == "GET":
			evt = log.Debug()
		default:
			evt = log.Info()
		}
		if raw != "" {
			path = path + "?" + raw
		}
		if id := c.Param("id"); id != "" {
			evt = evt.Str("batch_id", id)
		}
		if s := owner(c); s != "" {
			evt = evt.Str("session", s)
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}

// CORS lets browser pollers on other origins call the API. "*" allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", SessionHeader},
		MaxAge:       12 * time.Hour,
	})
}

// NewRouter builds the engine with recovery, logging and CORS, then mounts the
// API and UI routes.
func NewRouter(a *API, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ZerologLogger())
	r.Use(CORS(corsOrigins))
	a.RegisterRoutes(r)
	a.RegisterUIRoutes(r)
	return r
}
