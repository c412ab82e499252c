package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agrolink/rfq/internal/idgen"
	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{idgen.WithPrefix("ord_"), true},
		{idgen.WithPrefix("req_"), true},
		{idgen.WithPrefix("wh_"), true},
		{"ord_0123456789abcdef01234567", true},

		{"ord_0123456789ABCDEF01234567", false}, // uppercase hex
		{"ord_0123", false},                     // too short
		{"0123456789abcdef01234567", false},     // no prefix
		{"ord-0123456789abcdef01234567", false}, // wrong separator
		{"", false},
	}
	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidReference(t *testing.T) {
	if !IsValidReference(idgen.Reference("DEP")) {
		t.Error("generated reference should be valid")
	}
	for _, ref := range []string{"DEP-1234", "dep-1A2B3C4D5E6F7A8B", "DEPX1A2B3C4D5E6F7A8B", ""} {
		if IsValidReference(ref) {
			t.Errorf("IsValidReference(%q) should be false", ref)
		}
	}
}

func TestParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ParamMiddleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/orders/:id", ok)
	r.GET("/deposits/:ref", ok)
	r.GET("/wallet", ok)

	tests := []struct {
		path string
		code int
	}{
		{"/orders/" + idgen.WithPrefix("ord_"), http.StatusOK},
		{"/orders/abc", http.StatusBadRequest},
		{"/deposits/" + idgen.Reference("DEP"), http.StatusOK},
		{"/deposits/nope", http.StatusBadRequest},
		{"/wallet", http.StatusOK},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`)))
	if w.Code != http.StatusOK {
		t.Errorf("small body: %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: %d", w.Code)
	}
}
