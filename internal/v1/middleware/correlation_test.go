package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/cinesync/cinesync/internal/v1/logging"
)

func serveWithCorrelation(t *testing.T, handler gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/ops-check", handler)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCorrelationID_MintsWhenAbsent(t *testing.T) {
	var ctxID any
	req := httptest.NewRequest(http.MethodGet, "/ops-check", nil)

	resp := serveWithCorrelation(t, func(c *gin.Context) {
		ctxID, _ = c.Get(string(logging.CorrelationIDKey))
	}, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, ctxID)
	assert.Equal(t, ctxID, resp.Header().Get(CorrelationHeader), "minted ID is echoed in the response")
}

func TestCorrelationID_KeepsCallersID(t *testing.T) {
	const callerID = "caller-supplied-7f3a"
	var ctxID any
	req := httptest.NewRequest(http.MethodGet, "/ops-check", nil)
	req.Header.Set(CorrelationHeader, callerID)

	resp := serveWithCorrelation(t, func(c *gin.Context) {
		ctxID, _ = c.Get(string(logging.CorrelationIDKey))
	}, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, callerID, ctxID)
	assert.Equal(t, callerID, resp.Header().Get(CorrelationHeader))
}
