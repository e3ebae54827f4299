package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/campuswatch/internal/models"
)

func TestAuditLogsSuccessfulActions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{Role: models.RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "operator"}})
	})
	r.POST("/watchers/:domain/run", Audit(zap.New(core), "run_cycle"), func(c *gin.Context) {
		if c.Param("domain") == "marks" {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	for _, domain := range []string{"attendance", "marks"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/watchers/"+domain+"/run", nil))
	}

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "run_cycle", ctx["action"])
	assert.Equal(t, "operator", ctx["operator"])
	assert.Equal(t, "attendance", ctx["param_domain"])
}
