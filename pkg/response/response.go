package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"TrailWatch/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Msg: msg, Data: data})
}

func Created(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: http.StatusCreated, Msg: msg, Data: data})
}

func Accepted(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusAccepted, Response{Code: http.StatusAccepted, Msg: msg, Data: data})
}

// Fail answers 400.
func Fail(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusBadRequest, Response{Code: http.StatusBadRequest, Msg: msg, Data: data})
}

// Error maps an error code to its HTTP status and aborts the request.
func Error(c *gin.Context, err error) {
	status := StatusOf(err)
	msg := errors.GetMessage(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: msg})
}

func StatusOf(err error) int {
	switch errors.GetCode(err) {
	case errors.CodePrecondition:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeAuth:
		return http.StatusUnauthorized
	case errors.CodePermanent:
		return http.StatusUnprocessableEntity
	case errors.CodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
