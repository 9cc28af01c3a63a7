// Package http assembles the gin router exposing ProgressService,
// TrackingService, TestService, and AvailabilityService (spec.md §6).
// Grounded on the teacher's cmd/server/main.go route-group layout
// (versioned group, auth + rate-limit middleware chain, one handler
// struct per concern).
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/materialguard"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/store"
	"github.com/cloudlearn/corelms/internal/testengine"
	"github.com/cloudlearn/corelms/internal/tracking"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// Services bundles every component the router wires into handlers.
type Services struct {
	Store       store.Store
	Cfg         *config.CoreConfig
	Aggregator  *progress.Aggregator
	Tracker     *tracking.Tracker
	Resolver    *availability.Resolver
	Engine      *testengine.Engine
	Guard       *materialguard.Guard
	Media       oracle.MediaService
}

// NewRouter builds the full gin.Engine: global middleware (recovery,
// request id, rate limit), versioned API group behind Auth, and one route
// per §6 exposed operation. No CORS or request-logging middleware is
// installed.
func NewRouter(svc *Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RateLimit(svc.Cfg))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	progressH := NewProgressHandler(svc.Aggregator, svc.Resolver)
	trackingH := NewTrackingHandler(svc.Tracker, svc.Store)
	availabilityH := NewAvailabilityHandler(svc.Resolver)
	testH := NewTestHandler(svc.Engine)
	adminH := NewAdminHandler(svc.Guard, svc.Store)
	mediaH := NewMediaHandler(svc.Store, svc.Media)

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(svc.Cfg))
	{
		api.GET("/sections/:sectionId/progress", progressH.GetSectionProgress)
		api.GET("/topics/:topicId/progress", progressH.GetTopicProgress)
		api.GET("/topics/:topicId/sections", progressH.ListSectionsWithAvailability)

		api.POST("/subsections/:subsectionId/sessions", trackingH.StartSubsectionSession)
		api.POST("/subsections/:subsectionId/heartbeat", trackingH.Heartbeat)
		api.POST("/subsections/:subsectionId/sessions/end", trackingH.EndSubsectionSession)
		api.GET("/subsections/:subsectionId/status", trackingH.GetSubsectionStatus)
		api.GET("/subsections/:subsectionId/media-url", mediaH.GetSubsectionMediaURL)

		api.GET("/sections/:sectionId/access", availabilityH.CanAccessSection)
		api.GET("/topics/:topicId/access", availabilityH.CanAccessTopic)
		api.GET("/tests/:testId/access", availabilityH.CanStartTest)

		api.POST("/tests/:testId/attempts", testH.StartTest)
		api.GET("/tests/:testId/attempts", testH.ListUserAttempts)
		api.POST("/attempts/:attemptId/heartbeat", testH.HeartbeatTest)
		api.POST("/attempts/:attemptId/submit", testH.SubmitTest)
		api.GET("/attempts/:attemptId", testH.GetAttemptStatus)

		teacher := api.Group("")
		teacher.Use(middleware.RequireRole(oracle.RoleTeacher, oracle.RoleAdmin))
		{
			teacher.POST("/tests/:testId/students/:studentId/reset", testH.ResetLastAttempt)
			teacher.POST("/sections/:sectionId/archive", adminH.ArchiveSection)
			teacher.POST("/topics/:topicId/archive", adminH.ArchiveTopic)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.ErrorEnvelope{Code: "NotFound", Message: "route not found"})
	})

	return r
}
