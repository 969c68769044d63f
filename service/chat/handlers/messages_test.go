package handlers

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	mid "PSync/middleware"
	midsec "PSync/middleware/security"
	"PSync/module/chat/message"
	"PSync/module/update/group"
	"PSync/module/update/model"
	"PSync/module/update/store/sqlitestore"
	"PSync/module/update/writer"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPMessages(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	groups := group.NewStatic()
	groups.Join(model.ChatBucket(42), 1, 2)
	svc := message.New(writer.New(st, writer.Options{Log: zap.NewNop()}), groups, groups.Members(), message.Options{Log: zap.NewNop()})

	jwt := sec.DefaultOptions([]byte("test-secret"))
	e := gin.New()
	RegisterMessages(mid.NewRouter(e, midsec.Middleware(midsec.DefaultOptions(jwt))), svc)
	tok, _, err := sec.Generate(jwt, 1)
	require.NoError(t, err)

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/v1/messages", `{"chat_id":42,"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"bucket":"chat:42"`)
	assert.Contains(t, rec.Body.String(), `"seq":1`)

	rec = post("/v1/read", `{"chat_id":42,"max_id":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"bucket":"user:1"`)

	assert.Equal(t, http.StatusForbidden, post("/v1/messages", `{"chat_id":43,"text":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/v1/messages", `{bad`).Code)
	assert.Equal(t, http.StatusConflict, post("/v1/members", `{"chat_id":42,"user_id":2}`).Code)
}
