package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailErr maps err through the error taxonomy and writes the envelope.
func FailErr(c *gin.Context, err error) {
	FailErrWithData(c, err, nil)
}

func FailErrWithData(c *gin.Context, err error, data any) {
	kind := KindOf(err)
	msg := Message(err)
	c.JSON(HTTPStatus(kind), gin.H{
		"code":    Code(kind),
		"message": msg,
		"data":    data,
	})
}
