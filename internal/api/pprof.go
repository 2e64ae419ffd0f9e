package api

import (
	"net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// pprofHandler serves net/http/pprof under /debug/pprof/. The request path
// is already canonical, so pprof.Index resolves profile names itself.
func pprofHandler(c *gin.Context) {
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "":
		pprof.Index(c.Writer, c.Request)
	case "cmdline":
		pprof.Cmdline(c.Writer, c.Request)
	case "profile":
		pprof.Profile(c.Writer, c.Request)
	case "symbol":
		pprof.Symbol(c.Writer, c.Request)
	case "trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Index(c.Writer, c.Request)
	}
}
