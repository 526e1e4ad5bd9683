package response

import "github.com/gin-gonic/gin"

// Envelope is the JSON shape for auth and middleware responses. Payment
// endpoints speak the provider-facing shapes directly and do not use it.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Envelope{Success: true, Data: data})
}

func Error(c *gin.Context, statusCode int, code string, message string) {
	c.JSON(statusCode, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}
