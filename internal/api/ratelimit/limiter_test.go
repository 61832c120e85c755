package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestSubmitLimiter_Burst(t *testing.T) {
	l := NewSubmitLimiter(1, 2)
	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))

	// other clients have their own bucket
	assert.True(t, l.Allow("u2"))
}

func TestSubmitLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	l := NewSubmitLimiter(0, 0)
	l.now = func() time.Time { return now }

	l.Allow("u1")
	assert.Equal(t, 1, l.Size())

	now = now.Add(idleAfter + time.Second)
	l.Cleanup()
	assert.Equal(t, 0, l.Size())
}

func TestSubmitLimiter_Middleware(t *testing.T) {
	e := echo.New()
	l := NewSubmitLimiter(1, 1)
	handler := l.Middleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})

	call := func() error {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
		req.Header.Set("X-User-ID", "u1")
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	assert.NoError(t, call())

	err := call()
	var he *echo.HTTPError
	if assert.ErrorAs(t, err, &he) {
		assert.Equal(t, http.StatusTooManyRequests, he.Code)
	}
}
