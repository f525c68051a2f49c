// Package http wires the relay's outer surface: the signaling websocket,
// the call journal API and the portal's static assets.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/adapters/journal"
	"github.com/carelink/televisit/internal/adapters/signal"
	"github.com/carelink/televisit/internal/config"
	"github.com/carelink/televisit/internal/domain"
)

// ClientTokenMiddleware pins a stable per-browser id into the request
// context. The token doubles as the signaling user id for endpoints that
// have no portal account.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.Controller, store *journal.SQLite) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("TelevisitSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	calls := api.Group("/calls")
	calls.POST("/missed", reportMissed(store))
	calls.GET("/missed", listMissed(store))
	calls.POST("/records", recordOutcome(store))
	calls.GET("/history", listHistory(store))

	return r
}

func reportMissed(store *journal.SQLite) gin.HandlerFunc {
	return func(c *gin.Context) {
		var report domain.MissedCall
		if err := c.ShouldBindJSON(&report); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if report.FromUserID == "" || report.ToUserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to user ids are required"})
			return
		}
		if err := store.ReportMissed(c.Request.Context(), report); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("report missed")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusCreated)
	}
}

func listMissed(store *journal.SQLite) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := domain.UserID(c.GetString("client_token"))
		reports, err := store.MissedFor(c.Request.Context(), user, queryLimit(c))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("list missed")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, reports)
	}
}

func recordOutcome(store *journal.SQLite) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec domain.CallRecord
		if err := c.ShouldBindJSON(&rec); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if rec.CallID == "" || rec.CallerID == "" || rec.CalleeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "call, caller and callee ids are required"})
			return
		}
		if err := store.RecordOutcome(c.Request.Context(), rec); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("record outcome")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusCreated)
	}
}

func listHistory(store *journal.SQLite) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := domain.UserID(c.GetString("client_token"))
		records, err := store.History(c.Request.Context(), user, queryLimit(c))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("list history")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}
