package security

import (
	"net/http"
	"strings"

	"PSync/tools/errs"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

// CtxUserIDKey 鉴权通过后写入的用户ID（int64）
const CtxUserIDKey = "psync.user_id"

type Options struct {
	JWT sec.Options
	// 读取哪个请求头，默认 Authorization，兼容 "Bearer xxx"
	HeaderToken string
	// 允许 ?token= 兜底（浏览器 WebSocket 无法带头）
	AllowQuery bool
}

func DefaultOptions(jwt sec.Options) *Options {
	return &Options{JWT: jwt, HeaderToken: "Authorization", AllowQuery: true}
}

// TokenFrom 从请求中取令牌
func TokenFrom(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" && opts.AllowQuery {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := sec.Verify(opts.JWT, TokenFrom(c, opts))
		if err != nil {
			ce := errs.AsCodeError(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ce.ECode(), "msg": ce.EMsg()})
			return
		}
		c.Set(CtxUserIDKey, uid)
		c.Next()
	}
}

// UserID 读取中间件写入的用户ID
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0, false
	}
	uid, ok := v.(int64)
	return uid, ok
}
