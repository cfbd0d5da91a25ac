package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidRef(t *testing.T) {
	for _, ref := range []string{"txn_9f86d081884c", "ses_missing", "ext_ab12"} {
		assert.True(t, IsValidRef(ref), ref)
	}
	for _, ref := range []string{"", "txn_", "_abc", "TXN_abc", "txn_a b", "txn_a;drop", "t_abc", "txn_" + strings.Repeat("a", 65)} {
		assert.False(t, IsValidRef(ref), ref)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("reason", " "),
		MaxLength("note", strings.Repeat("x", 11), 10),
		MaxLength("ok", "fine", 10),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "reason: is required", errs.Error())
	assert.Empty(t, Validate(Required("reason", "late")))
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestRefParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RefParamMiddleware())
	r.GET("/escrows/:ref", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/escrows", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path string
		want int
	}{
		{"/escrows/ses_9f86d081884c", http.StatusOK},
		{"/escrows", http.StatusOK},
		{"/escrows/not-a-ref", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, w.Code, tt.path)
	}
}
