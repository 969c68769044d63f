// Package user 开发环境登录：按 user_id 签发令牌，方便本地联调客户端。
package user

import (
	"net/http"

	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

type loginReq struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

// HandlerLogin 不校验密码，只能在 jwt.dev_login 打开时注册
func HandlerLogin(jwt sec.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 1, "msg": err.Error()})
			return
		}
		tok, exp, err := sec.Generate(jwt, in.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 4, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":     tok,
			"expire_at": exp.UnixMilli(),
			"user":      gin.H{"id": in.UserID},
		})
	}
}
