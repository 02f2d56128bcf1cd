package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ord_0123abcd", true},
		{"u-1", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidID(tt.id), tt.id)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"hello\x00world", 100, "helloworld"},
		{"toolong", 3, "too"},
		{"café", 4, "caf"}, // é is two bytes
		{"ééé", 5, "éé"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeString(tt.input, tt.maxLen), tt.input)
	}
}

func TestChecker_CollectsEveryField(t *testing.T) {
	var v Checker
	v.Required("listingId", "").
		ID("listingId", "").
		VoucherCode("voucherCode", "summer10").
		Positive("amount", 0).
		NonNegative("stock", 3).
		OneOf("decision", "maybe", "completed", "rejected").
		MaxLength("notes", "abcdef", 3)

	err := v.Err()
	require.Error(t, err)
	errs, ok := err.(Errors)
	require.True(t, ok)

	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"listingId", "amount", "decision", "notes"}, fields)
	assert.Equal(t, "listingId: is required (and 3 more)", err.Error())
}

func TestChecker_OneErrorPerField(t *testing.T) {
	var v Checker
	v.Required("listingId", " ").ID("listingId", " ")
	assert.Len(t, v.Err(), 1)

	var w Checker
	w.ID("listingId", "bad id").VoucherCode("code", "x")
	assert.Equal(t, "listingId: must be 1-64 letters, digits, '_' or '-' (and 1 more)", w.Err().Error())
}

func TestChecker_PassesValidInput(t *testing.T) {
	var v Checker
	v.Required("listingId", "lst_1").ID("listingId", "lst_1").
		VoucherCode("voucherCode", " save10 ").
		Positive("amount", 1).
		OneOf("decision", "completed", "completed", "rejected")
	assert.NoError(t, v.Err())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/orders", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/orders", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/orders", strings.NewReader(`{"listingId":"lst_1"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// Without a declared length the body is cut off while reading.
	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{"listingId":"lst_1"}`))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/bad%3Bid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestAbort_ListsDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var v Checker
	v.Required("listingId", "")
	Abort(c, v.Err())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t,
		`{"error":"validation_error","message":"listingId: is required","details":[{"field":"listingId","message":"is required"}]}`,
		w.Body.String())
}
