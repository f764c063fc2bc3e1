package middleware

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/services"
)

const auditBodyLimit = 2000

// sensitiveValue matches "key": "value" pairs of JSON bodies whose values
// must not reach the audit log.
var sensitiveValue = regexp.MustCompile(`(?i)("(?:password|secret|token|api_key|apikey|access_token|value)"\s*:\s*")[^"]*(")`)

// AuditLog records write operations under /api to system_logs.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil && isJSON(c.ContentType()) {
			data, _ := io.ReadAll(io.LimitReader(c.Request.Body, auditBodyLimit+1))
			rest := c.Request.Body
			c.Request.Body = readCloser{io.MultiReader(bytes.NewReader(data), rest), rest}
			body = string(data)
			if len(body) > auditBodyLimit {
				body = body[:auditBodyLimit] + "...[truncated]"
			}
			body = maskSensitiveFields(body)
		}

		c.Next()

		status := c.Writer.Status()
		module, action := parseRouteInfo(c.FullPath(), method)

		entry := services.AuditEntry{
			Module:  module,
			Action:  action,
			Message: formatAuditMessage(GetToken(c), method, c.Request.URL.Path, status),
			IP:      c.ClientIP(),
			Extra: map[string]interface{}{
				"method": method,
				"path":   c.Request.URL.Path,
				"status": status,
				"body":   body,
			},
		}
		if humanID := GetHumanID(c); humanID > 0 {
			entry.HumanID = &humanID
		}
		if id, err := strconv.ParseUint(c.Param("id"), 10, 64); err == nil && module == "jobs" {
			jobID := uint(id)
			entry.JobID = &jobID
		}

		if status >= 400 {
			services.LogWarning(entry)
		} else {
			services.LogInfo(entry)
		}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

func isJSON(contentType string) bool {
	return contentType == "application/json"
}

// parseRouteInfo derives module and action from a route pattern, e.g.
// "/api/jobs/:id/expire" + POST gives "jobs", "expire".
func parseRouteInfo(fullPath, method string) (module, action string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(fullPath, "/api/"), "/"), "/")
	module = parts[0]
	if module == "" {
		module = "unknown"
	}

	last := parts[len(parts)-1]
	if len(parts) > 1 && !strings.HasPrefix(last, ":") {
		return module, last
	}
	switch method {
	case "POST":
		action = "create"
	case "PUT":
		action = "update"
	case "DELETE":
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return module, action
}

func formatAuditMessage(token *models.Token, method, path string, status int) string {
	who := "anonymous"
	if token != nil {
		who = fmt.Sprintf("human #%d (token %q)", token.HumanID, token.Name)
	}
	outcome := "OK"
	if status >= 400 {
		outcome = "Failed"
	}
	return fmt.Sprintf("[Audit] %s %s %s -> %s (%d)", who, method, path, outcome, status)
}

func maskSensitiveFields(body string) string {
	return sensitiveValue.ReplaceAllString(body, "${1}***${2}")
}
