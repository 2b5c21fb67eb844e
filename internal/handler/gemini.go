package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/account"
	"ccrelay/internal/dispatch"
)

// Gemini handles the CloudCode passthrough mounted at
// /gemini/v1/models/{model}:{method}. Gin's :param syntax only splits path
// segments, not characters within one, so "{model}:{method}" arrives as a
// single route parameter that must be split on its last colon here rather
// than declared as two gin params.
func (h *RelayHandler) Gemini(c *gin.Context) {
	model, method, ok := splitModelMethod(c.Param("modelMethod"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected {model}:{method} in the request path"})
		return
	}

	var stream bool
	switch method {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported method " + method})
		return
	}

	body, parsed, ok := readJSONBody(c)
	if !ok {
		return
	}

	clientKeyHash, userID := identity(c)

	h.dispatchAndRespond(c, dispatch.Request{
		Platform:        account.Gemini,
		Model:           model,
		Stream:          stream,
		Body:            body,
		FingerprintBody: parsed,
		ClientKeyHash:   clientKeyHash,
		UserID:          userID,
		ClientIP:        c.ClientIP(),
	})
}

func splitModelMethod(s string) (model, method string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
