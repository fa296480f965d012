package server

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"space-manager/pkg/actions"
	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/upstream"
)

// instanceID joins the :account and :name path parameters.
func instanceID(c *gin.Context) string {
	return c.Param("account") + "/" + c.Param("name")
}

// narrow intersects the configured allow-list with an explicit request
// list. A nil configured list means no filtering, so the request list wins.
func narrow(configured, requested []string) []string {
	if len(requested) == 0 {
		return configured
	}
	if configured == nil {
		return requested
	}
	out := []string{}
	for _, r := range requested {
		if slices.Contains(configured, r) {
			out = append(out, r)
		}
	}
	return out
}

// handleListInstances answers GET /api/v1/instances?allow=a,b with the
// ordered instance array.
func (s *Server) handleListInstances(c *gin.Context) {
	mapping, allowList := credentials.Current(s.deps.Credentials)
	allowList = narrow(allowList, credentials.SplitList(c.Query("allow")))

	list, err := s.deps.Instances.List(c.Request.Context(), mapping, allowList)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleExternalInstances serves the external listing, optionally scoped
// to the :account path parameter.
func (s *Server) handleExternalInstances(c *gin.Context) {
	mapping, allowList := credentials.Current(s.deps.Credentials)
	if account := c.Param("account"); account != "" {
		allowList = narrow(allowList, []string{account})
	}

	list, err := s.deps.Instances.List(c.Request.Context(), mapping, allowList)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list, "count": len(list)})
}

// handleAction answers POST .../:account/:name/actions/:action. Failures
// are reported as {"success": false, "message": ...}.
func (s *Server) handleAction(c *gin.Context) {
	id := instanceID(c)
	action, err := actions.ParseAction(c.Param("action"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": apierr.MessageOf(err)})
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), id, action)
	if err != nil {
		status := apierr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("action failed", "instance", id, "action", action, "status", status, "error", err)
		}
		c.JSON(status, gin.H{"success": false, "message": apierr.MessageOf(err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

var errSampleNotFound = &apierr.Error{Kind: apierr.KindUpstream, Class: apierr.ClassNotFound}

// handleSample returns one metrics sample. An instance the platform reports
// no metrics for yields a zero sample, as on the stream.
func (s *Server) handleSample(c *gin.Context) {
	id := instanceID(c)
	mapping := credentials.Resolve(s.deps.Credentials)
	token, err := mapping.Token(c.Param("account"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	sample, err := s.deps.Samples.Metrics(c.Request.Context(), token, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sample)
	case errors.Is(err, errSampleNotFound):
		c.JSON(http.StatusOK, upstream.ZeroSample(id, time.Now().UTC()))
	default:
		s.respondError(c, err)
	}
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    serviceName,
		"version": s.deps.Version,
	})
}

// handleConfig exposes the account names the console manages. Tokens are
// never part of the response.
func (s *Server) handleConfig(c *gin.Context) {
	mapping, allowList := credentials.Current(s.deps.Credentials)
	configured := make([]string, 0)
	for _, cred := range mapping.Credentials() {
		configured = append(configured, cred.Account)
	}
	if allowList == nil {
		allowList = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts":             allowList,
		"credentialed":         configured,
		"fallback_configured":  mapping.Fallback() != "",
		"external_api_enabled": s.deps.APIKey() != "",
		"metrics_interval_ms":  s.deps.MetricsInterval.Milliseconds(),
		"version":              s.deps.Version,
	})
}
