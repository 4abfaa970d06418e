package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"schooltrack/internal/auth"
	"schooltrack/internal/chat"
	"schooltrack/internal/config"
	"schooltrack/internal/httpmiddleware"
	"schooltrack/internal/idcode"
	"schooltrack/internal/metrics"
	"schooltrack/internal/notify"
	"schooltrack/internal/queue"
	"schooltrack/internal/reconcile"
	"schooltrack/internal/store"
	"schooltrack/internal/student"
)

func newRouter(
	cfg config.App,
	logger zerolog.Logger,
	db *store.DB,
	redisClient *store.Redis,
	q queue.Queue,
	repo *student.Repository,
	scans *student.Service,
	mgr *chat.Manager,
	dispatcher *chat.Dispatcher,
	notifier *notify.Service,
	reconciler *reconcile.Reconciler,
	autoCheckout *reconcile.AutoCheckout,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status": "ok",
			"redis":  redisHealthy,
			"db":     dbHealthy,
			"chat":   mgr.Phase(),
		})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminPass == "" || req.Username != cfg.AdminUser || req.Password != cfg.AdminPass {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		tokens, err := auth.Issue(req.Username, "admin", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	admin := r.Group("/v1", auth.RequireAdmin(cfg.JWTSigningKey, cfg.JWTIssuer))

	admin.GET("/messaging/status", func(c *gin.Context) {
		st := mgr.Status(c.Request.Context())
		resp := gin.H{
			"success":    true,
			"status":     st,
			"serverTime": time.Now(),
		}
		if at, ok := mgr.LastConnectedAt(); ok && st.Phase == chat.PhaseReady {
			resp["connectionDuration"] = formatDuration(time.Since(at))
		}
		c.JSON(http.StatusOK, resp)
	})

	admin.GET("/messaging/qr", func(c *gin.Context) {
		if mgr.Ready() {
			resp := gin.H{
				"success":     true,
				"message":     "chat session already connected",
				"isConnected": true,
			}
			if at, ok := mgr.LastConnectedAt(); ok {
				resp["connectionInfo"] = gin.H{
					"lastConnection":     at,
					"connectionDuration": formatDuration(time.Since(at)),
				}
			}
			c.JSON(http.StatusOK, resp)
			return
		}

		res := mgr.CurrentAuthCode(c.Request.Context())
		if res.ShouldRetry {
			c.JSON(http.StatusAccepted, gin.H{
				"success":     false,
				"message":     "auth code requested but not yet available, retry shortly",
				"shouldRetry": true,
				"retryAfter":  res.RetryAfter,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"qrCode":    res.Code,
			"timestamp": res.IssuedAt,
			"expiresIn": 60,
		})
	})

	admin.POST("/messaging/reset", func(c *gin.Context) {
		res := mgr.Reset(c.Request.Context())
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		c.JSON(status, res)
	})

	admin.POST("/messaging/logout", func(c *gin.Context) {
		if !mgr.Ready() {
			c.JSON(http.StatusOK, gin.H{
				"success":      true,
				"message":      "chat session already logged out",
				"wasConnected": false,
			})
			return
		}
		res := mgr.Logout(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"success":            res.Success,
			"credentialsCleared": res.CredentialsCleared,
			"warning":            res.Warning,
			"wasConnected":       true,
			"timestamp":          time.Now(),
		})
	})

	admin.POST("/messaging/send", func(c *gin.Context) {
		var req struct {
			Phone   string `json:"phone" binding:"required"`
			Message string `json:"message" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res := dispatcher.SendText(c.Request.Context(), req.Phone, req.Message)
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadGateway
			if res.Code == chat.CodeClientNotReady || res.Code == chat.CodeInvalidPhone {
				status = http.StatusBadRequest
			}
		}
		c.JSON(status, res)
	})

	admin.POST("/messaging/bulk", func(c *gin.Context) {
		var req struct {
			Phones  []string `json:"phones" binding:"required"`
			Message string   `json:"message" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dispatcher.SendBulk(c.Request.Context(), req.Phones, req.Message))
	})

	admin.GET("/messaging/students", func(c *gin.Context) {
		search := c.Query("search")
		page, limit := 1, 10
		if v := c.Query("page"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				page = parsed
			}
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		students, total, err := repo.ListForMessaging(c.Request.Context(), search, limit, (page-1)*limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		pages := (total + limit - 1) / limit
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"students": students,
			"pagination": gin.H{
				"total": total,
				"page":  page,
				"limit": limit,
				"pages": pages,
			},
		})
	})

	admin.POST("/messaging/check-previous-day", func(c *gin.Context) {
		sum, err := reconciler.CloseOpenForYesterday(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
	})

	admin.POST("/scans", func(c *gin.Context) {
		var req struct {
			Code string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		studentID, err := idcode.Decode(req.Code)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		outcome, err := scans.MarkScan(c.Request.Context(), studentID)
		if err != nil {
			if errors.Is(err, student.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}

		job := queue.Job{StudentID: studentID, Status: outcome.Status, Timestamp: time.Now()}
		if err := q.Publish(c.Request.Context(), job); err != nil {
			logger.Error().Err(err).Msg("notification queue publish failed")
		} else {
			metrics.NotificationsQueued.Inc()
		}

		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"status":  outcome.Status,
			"student": outcome.Student.Name,
			"record":  outcome.Record,
		})
	})

	admin.POST("/attendance/auto-checkout/configure", func(c *gin.Context) {
		var req struct {
			Enabled          *bool  `json:"enabled"`
			Time             string `json:"time"`
			SendNotification *bool  `json:"sendNotification"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		settings, err := autoCheckout.Configure(req.Enabled, req.Time, req.SendNotification)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": settings})
	})

	admin.GET("/attendance/auto-checkout/settings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": autoCheckout.Settings()})
	})

	admin.POST("/attendance/auto-checkout/run", func(c *gin.Context) {
		sum, err := autoCheckout.RunNow(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "auto checkout completed",
			"data":    sum,
		})
	})

	return r
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return pad(h) + ":" + pad(m) + ":" + pad(s)
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
