package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func NewRouter(handler *ApplicationHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(IdentityMiddleware())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/application", handler.List)
		v1.GET("/application/:public_host", handler.Get)
		v1.PUT("/application/:public_host", handler.Create)
		v1.PATCH("/application/:public_host", handler.Patch)
		v1.DELETE("/application/:public_host", handler.Delete)
	}

	r.GET("/error_403", errorPage(http.StatusForbidden, "Access denied", "You do not have permission to access this page."))
	r.GET("/error_500", errorPage(http.StatusInternalServerError, "Something went wrong", "An error occurred. Try refreshing the page."))
	r.GET("/error_502", errorPage(http.StatusBadGateway, "Application unavailable", "The application did not respond. Try refreshing the page."))
	r.GET("/spawning", spawningPage)

	return r
}
