// Package httpx 统一的 HTTP 响应外壳与身份提取。
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/logger"
)

// HeaderUserID 由上游网关在鉴权后写入。
const HeaderUserID = "X-User-Id"

const ctxUserIDKey = "userId"

type Result struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
	Data any    `json:"data,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Result{Code: 0, Msg: "ok", Data: data})
}

// Fail 业务失败（码 >= 1000）返回 200，其余按错误码映射 HTTP 状态。
func Fail(c *gin.Context, err error) {
	be, ok := bizerr.CodeOf(err)
	switch {
	case ok && be.Code >= 1000:
		c.JSON(http.StatusOK, Result{Code: be.Code, Msg: be.Msg})
	case errors.Is(err, bizerr.ErrValidation):
		c.JSON(http.StatusBadRequest, Result{Code: http.StatusBadRequest, Msg: err.Error()})
	case errors.Is(err, bizerr.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, Result{Code: http.StatusUnauthorized, Msg: be.Msg})
	case errors.Is(err, bizerr.ErrNotFound):
		c.JSON(http.StatusNotFound, Result{Code: http.StatusNotFound, Msg: be.Msg})
	default:
		logger.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, Result{Code: http.StatusInternalServerError, Msg: "internal error"})
	}
}

// RequireUser 校验身份头，缺失返回 401。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
		if err != nil || uid <= 0 {
			Fail(c, bizerr.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Set(ctxUserIDKey, uid)
		c.Next()
	}
}

// UserID 取 RequireUser 写入的用户 ID。
func UserID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserIDKey)
}

// Trace 从请求头提取链路上下文。
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
