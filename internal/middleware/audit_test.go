package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/services"
	gormlogger "gorm.io/gorm/logger"
)

func TestParseRouteInfo(t *testing.T) {
	tests := []struct {
		path, method   string
		module, action string
	}{
		{"/api/jobs", "POST", "jobs", "create"},
		{"/api/jobs/:id/expire", "POST", "jobs", "expire"},
		{"/api/locks/:name", "DELETE", "locks", "delete"},
		{"/api/alterations", "POST", "alterations", "create"},
		{"/api/", "PUT", "unknown", "update"},
	}
	for _, tt := range tests {
		module, action := parseRouteInfo(tt.path, tt.method)
		if module != tt.module || action != tt.action {
			t.Errorf("parseRouteInfo(%q, %q) = %q, %q, expected %q, %q", tt.path, tt.method, module, action, tt.module, tt.action)
		}
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	tests := []struct {
		input, expected string
	}{
		{`{"name":"demo"}`, `{"name":"demo"}`},
		{`{"name":"gh","value":"ghp_123"}`, `{"name":"gh","value":"***"}`},
		{`{"Token": "abc", "secret":"x"}`, `{"Token": "***", "secret":"***"}`},
	}
	for _, tt := range tests {
		if got := maskSensitiveFields(tt.input); got != tt.expected {
			t.Errorf("maskSensitiveFields(%s) = %s, expected %s", tt.input, got, tt.expected)
		}
	}
}

func TestAuditLog_RecordsWrites(t *testing.T) {
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")}, gormlogger.Silent)
	if err != nil {
		t.Fatal(err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatal(err)
	}
	services.InitSystemLogger(db)
	defer services.InitSystemLogger(nil)

	token := &models.Token{ID: 1, HumanID: 7, Name: "ci"}
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(ContextToken, token) }, AuditLog())
	router.POST("/api/alterations", func(c *gin.Context) {
		var req map[string]string
		if err := c.ShouldBindJSON(&req); err != nil || req["script"] != "x" {
			t.Errorf("handler saw body %v, %v", req, err)
		}
		c.Status(http.StatusCreated)
	})
	router.GET("/api/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/alterations", strings.NewReader(`{"name":"demo","script":"x","token":"t0p"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/jobs", nil)
	router.ServeHTTP(w, req)

	var logs []models.SystemLog
	db.Find(&logs)
	if len(logs) != 1 {
		t.Fatalf("%d audit logs, expected 1 (reads are not audited)", len(logs))
	}
	entry := logs[0]
	if entry.Module != "alterations" || entry.Action != "create" {
		t.Errorf("module/action = %s/%s", entry.Module, entry.Action)
	}
	if entry.HumanID == nil || *entry.HumanID != 7 {
		t.Errorf("HumanID = %v, expected 7", entry.HumanID)
	}
	if strings.Contains(entry.Extra, "t0p") {
		t.Errorf("Extra = %s, token must be masked", entry.Extra)
	}
}
