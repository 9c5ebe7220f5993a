// Package routes mounts every handler on the App router.
package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/cmd/api/attachments"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/cmd/api/categories"
	"github.com/supportdesk/helpdesk/cmd/api/dashboard"
	"github.com/supportdesk/helpdesk/cmd/api/emails"
	"github.com/supportdesk/helpdesk/cmd/api/metrics"
	"github.com/supportdesk/helpdesk/cmd/api/notifications"
	"github.com/supportdesk/helpdesk/cmd/api/tickets"
	"github.com/supportdesk/helpdesk/cmd/api/users"
	"github.com/supportdesk/helpdesk/cmd/api/ws"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/ratelimit"
)

const (
	agent = helpdesk.RoleAgent
	admin = helpdesk.RoleAdmin
)

func health(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     "Helpdesk API is running",
			"timestamp":   time.Now().UTC(),
			"environment": a.Cfg.Env,
		})
	}
}

func index(c *gin.Context) {
	app.OK(c, http.StatusOK, "Helpdesk API", gin.H{
		"version": "1.0.0",
		"endpoints": gin.H{
			"auth":          "/api/auth",
			"users":         "/api/users",
			"categories":    "/api/categories",
			"tickets":       "/api/tickets",
			"notifications": "/api/notifications",
			"dashboard":     "/api/dashboard",
		},
	})
}

// Register mounts the API on a.R. hub may be nil, in which case the
// websocket endpoint answers 503.
func Register(a *app.App, hub *ws.Hub) {
	r := a.R
	r.GET("/health", health(a))
	r.GET("/metrics", metrics.Handler())
	r.GET("/uploads/:filename", authpkg.Middleware(a), attachments.Serve(a))

	api := r.Group("/api")
	api.GET("", index)

	limited := a.AuthLimiter.Middleware(ratelimit.ClientIP)
	authAPI := api.Group("/auth")
	authAPI.POST("/register", limited, authpkg.Register(a))
	authAPI.POST("/login", limited, authpkg.Login(a))
	authAPI.POST("/forgot-password", limited, authpkg.ForgotPassword(a))
	authAPI.PUT("/reset-password/:token", authpkg.ResetPassword(a))
	authAPI.POST("/logout", authpkg.Logout())
	me := authAPI.Group("", authpkg.Middleware(a))
	me.GET("/me", authpkg.Me(a))
	me.PUT("/profile", authpkg.UpdateProfile(a))
	me.PUT("/change-password", authpkg.ChangePassword(a))

	protected := api.Group("", authpkg.Middleware(a))

	u := protected.Group("/users")
	u.GET("/agents", authpkg.RequireRole(agent, admin), users.Agents(a))
	u.GET("/stats", authpkg.RequireRole(admin), users.Stats(a))
	u.GET("", authpkg.RequireRole(admin), users.List(a))
	u.POST("", authpkg.RequireRole(admin), users.Create(a))
	u.GET("/:id", authpkg.RequireRole(admin), users.Get(a))
	u.PUT("/:id", authpkg.RequireRole(admin), users.Update(a))
	u.DELETE("/:id", authpkg.RequireRole(admin), users.Delete(a))
	u.PUT("/:id/role", authpkg.RequireRole(admin), users.UpdateRole(a))
	u.PUT("/:id/toggle-status", authpkg.RequireRole(admin), users.ToggleStatus(a))
	u.GET("/:id/activity", authpkg.RequireRole(admin), users.Activity(a))
	u.PUT("/:id/reset-password", authpkg.RequireRole(admin), users.ResetPassword(a))

	cat := protected.Group("/categories")
	cat.GET("", categories.List(a))
	cat.GET("/stats", authpkg.RequireRole(agent, admin), categories.Stats(a))
	cat.PUT("/bulk", authpkg.RequireRole(admin), categories.BulkUpdate(a))
	cat.GET("/:id", categories.Get(a))
	cat.POST("", authpkg.RequireRole(admin), categories.Create(a))
	cat.PUT("/:id", authpkg.RequireRole(admin), categories.Update(a))
	cat.DELETE("/:id", authpkg.RequireRole(admin), categories.Delete(a))

	t := protected.Group("/tickets")
	t.GET("", tickets.List(a))
	t.GET("/stats", tickets.Stats(a))
	t.POST("", tickets.Create(a))
	t.GET("/:id", tickets.Get(a))
	t.PUT("/:id", tickets.Update(a))
	t.DELETE("/:id", tickets.Delete(a))
	t.GET("/:id/history", tickets.History(a))
	t.POST("/:id/comments", tickets.AddComment(a))
	t.PUT("/:id/rating", tickets.Rate(a))
	t.PUT("/:id/assign", authpkg.RequireRole(agent, admin), tickets.Assign(a))
	t.PUT("/:id/close", tickets.Close(a))
	t.PUT("/:id/reopen", tickets.Reopen(a))

	n := protected.Group("/notifications")
	n.GET("", notifications.List(a))
	n.GET("/stats", notifications.Stats(a))
	n.GET("/ws", notifications.Stream(hub))
	n.POST("", authpkg.RequireRole(admin), notifications.Create(a))
	n.PUT("/read-all", notifications.MarkAllRead(a))
	n.PUT("/:id/read", notifications.MarkRead(a))
	n.DELETE("/clear-read", notifications.ClearRead(a))
	n.DELETE("/:id", notifications.Delete(a))

	d := protected.Group("/dashboard")
	d.GET("/stats", dashboard.Stats(a))
	d.GET("/analytics", authpkg.RequireRole(agent, admin), dashboard.AnalyticsHandler(a))
	d.GET("/performance", authpkg.RequireRole(admin), dashboard.Performance(a))

	protected.GET("/emails/outbound", authpkg.RequireRole(admin), emails.ListOutbound(a))
}
