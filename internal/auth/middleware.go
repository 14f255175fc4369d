package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ctxDecision = "aw_auth_decision"

// Require returns a Gin middleware that enforces authentication on an
// actor-scoped route. The actor ID is taken from the :actor_id route
// parameter; routes without one authenticate engine tokens only.
//
// On success the decision is injected into the context under the
// "aw_auth_decision" key.
func Require(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := a.Authenticate(c.Request.Context(), c.Param("actor_id"), c.Request)
		if !d.Authenticated {
			abort(c, d)
			return
		}
		c.Set(ctxDecision, d)
		c.Next()
	}
}

// Optional returns a Gin middleware that authenticates when credentials
// are present but never aborts. Handlers see an absent decision for
// anonymous requests.
func Optional(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := a.Authenticate(c.Request.Context(), c.Param("actor_id"), c.Request)
		if d.Authenticated {
			c.Set(ctxDecision, d)
		}
		c.Next()
	}
}

// FromCtx retrieves the decision injected by Require or Optional.
func FromCtx(c *gin.Context) *Decision {
	v, _ := c.Get(ctxDecision)
	d, _ := v.(*Decision)
	return d
}

// abort writes the decision's failure response. Redirects go out as
// plain 302s; everything else is the JSON error shape with whatever
// challenge headers the decision carries.
func abort(c *gin.Context, d *Decision) {
	if d.Redirect != "" {
		c.Redirect(http.StatusFound, d.Redirect)
		c.Abort()
		return
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			c.Header(k, v)
		}
	}
	status := d.Status
	if status == 0 {
		status = http.StatusUnauthorized
	}
	c.AbortWithStatusJSON(status, gin.H{"error": d.Text})
}
