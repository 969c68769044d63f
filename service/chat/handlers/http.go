package handlers

import (
	"net/http"

	mid "PSync/middleware"
	midsec "PSync/middleware/security"
	"PSync/module/update/wire"
	"PSync/tools/errs"

	"github.com/gin-gonic/gin"
)

// RegisterHTTP GET /v1/updates、/v1/changed（需鉴权），/healthz
func RegisterHTTP(rt *mid.Router, r UpdateReader, health func() error) {
	rt.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			if err := health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "err": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}, mid.RouteOpt{})

	rt.GET("/v1/updates", func(c *gin.Context) {
		var in wire.GetUpdatesInput
		if err := c.ShouldBindQuery(&in); err != nil {
			writeErr(c, errs.ErrBadRequest.WrapMsg("bad query", "err", err))
			return
		}
		uid, _ := midsec.UserID(c)
		out, err := fetchUpdates(c.Request.Context(), r, uid, in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}, mid.RouteOpt{IsAuth: true})

	rt.GET("/v1/changed", func(c *gin.Context) {
		var in wire.GetChangedBucketsInput
		if err := c.ShouldBindQuery(&in); err != nil {
			writeErr(c, errs.ErrBadRequest.WrapMsg("bad query", "err", err))
			return
		}
		uid, _ := midsec.UserID(c)
		out, err := fetchChanged(c.Request.Context(), r, uid, in)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}, mid.RouteOpt{IsAuth: true})
}

func writeErr(c *gin.Context, err error) {
	ce := errs.AsCodeError(err)
	c.AbortWithStatusJSON(httpStatus(ce.ECode()), gin.H{"code": ce.ECode(), "msg": ce.EMsg()})
}

func httpStatus(code int) int {
	switch code {
	case errs.NotAuthenticated:
		return http.StatusUnauthorized
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.InvalidPeer:
		return http.StatusForbidden
	case errs.HistoryUnavailable:
		return http.StatusGone
	case errs.SeqConflict, errs.AlreadyMember:
		return http.StatusConflict
	case errs.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
