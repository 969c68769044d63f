package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(opts *Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(opts), func(c *gin.Context) {
		uid, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"uid": uid})
	})
	return r
}

func TestBearerSetsUserID(t *testing.T) {
	opts := DefaultOptions(sec.DefaultOptions([]byte("k")))
	tok, _, err := sec.Generate(opts.JWT, 77)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	newEngine(opts).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":77}`, w.Body.String())

	w = httptest.NewRecorder()
	newEngine(opts).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingTokenRejected(t *testing.T) {
	opts := DefaultOptions(sec.DefaultOptions([]byte("k")))
	w := httptest.NewRecorder()
	newEngine(opts).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
