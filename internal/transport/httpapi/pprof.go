package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

func mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, ...) are served by Index.
	g.GET("/:profile", gin.WrapF(hpprof.Index))
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}
