package httpapi

import (
	hpprof "net/http/pprof"

	"github.com/gin-gonic/gin"
)

const pprofPrefix = "/debug/pprof"

// mountPprof serves the runtime profiles under /debug/pprof/ on g. Named
// profiles (heap, goroutine, ...) go through the index handler.
func mountPprof(g *gin.RouterGroup) {
	pp := g.Group(pprofPrefix)
	pp.GET("/", gin.WrapF(hpprof.Index))
	pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	pp.GET("/profile", gin.WrapF(hpprof.Profile))
	pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
	pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
	pp.GET("/trace", gin.WrapF(hpprof.Trace))
	pp.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}
