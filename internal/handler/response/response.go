package response

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"wallet-txengine/pkg/errno"
)

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success returns a success response with data
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = gin.H{} // Return empty object instead of null
	}
	c.JSON(http.StatusOK, Response{
		Code:    errno.OK.Code,
		Message: errno.OK.Message,
		Data:    data,
	})
}

// Error returns an error response
func Error(c *gin.Context, err error) {
	code, msg := errno.Decode(err)
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: msg,
		Data:    gin.H{},
	})
}

// Event 写一条 SSE 事件并立即 flush. 流已经开始后不能再返回 JSON 错误
func Event(c *gin.Context, name string, data interface{}) {
	c.SSEvent(name, data)
	c.Writer.Flush()
}

// Stream SSE 头部和事件循环. next 返回 false 时结束
func Stream(c *gin.Context, next func() (name string, data interface{}, more bool)) {
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		name, data, more := next()
		if name != "" {
			c.SSEvent(name, data)
		}
		return more
	})
}
