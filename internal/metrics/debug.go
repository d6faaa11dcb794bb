package metrics

import (
	"expvar"
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

// Mount 在运维路由上挂 expvar（/debug/vars）和 pprof（/debug/pprof/*）
func Mount(r gin.IRoutes) {
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	r.GET("/debug/pprof/*name", func(c *gin.Context) {
		switch c.Param("name") {
		case "/cmdline":
			pprof.Cmdline(c.Writer, c.Request)
		case "/profile":
			pprof.Profile(c.Writer, c.Request)
		case "/symbol":
			pprof.Symbol(c.Writer, c.Request)
		case "/trace":
			pprof.Trace(c.Writer, c.Request)
		default:
			pprof.Index(c.Writer, c.Request)
		}
	})
}
