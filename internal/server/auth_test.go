package server

import (
	"crypto/subtle"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgate/internal/core"
)

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name           string
		authKey        string
		authHeader     string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "no gateway key configured - allows request",
			authKey:        "",
			authHeader:     "",
			expectedStatus: http.StatusOK,
			expectedBody:   "ok",
		},
		{
			name:           "valid key - allows request",
			authKey:        "secret-key-123",
			authHeader:     "Bearer secret-key-123",
			expectedStatus: http.StatusOK,
			expectedBody:   "ok",
		},
		{
			name:           "missing authorization header - denies request",
			authKey:        "secret-key-123",
			authHeader:     "",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"missing authorization header","type":"authentication_error","code":"invalid_auth_key"}}`,
		},
		{
			name:           "invalid authorization format - denies request",
			authKey:        "secret-key-123",
			authHeader:     "secret-key-123",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"authorization header must be 'Bearer <key>'","type":"authentication_error","code":"invalid_auth_key"}}`,
		},
		{
			name:           "invalid key - denies request",
			authKey:        "secret-key-123",
			authHeader:     "Bearer wrong-key",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid api key","type":"authentication_error","code":"invalid_auth_key"}}`,
		},
		{
			name:           "bearer prefix is case sensitive - denies request",
			authKey:        "secret-key-123",
			authHeader:     "bearer secret-key-123",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"authorization header must be 'Bearer <key>'","type":"authentication_error","code":"invalid_auth_key"}}`,
		},
		{
			name:           "empty bearer token - denies request",
			authKey:        "secret-key-123",
			authHeader:     "Bearer ",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid api key","type":"authentication_error","code":"invalid_auth_key"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Route through a real echo instance so rejected requests are
			// rendered by the gateway error handler.
			e := echo.New()
			e.HTTPErrorHandler = errorHandler
			e.GET("/test", func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			}, Authenticate(tt.authKey))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.authHeader)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			}
		})
	}
}

func TestAuthenticate_ReturnsGatewayError(t *testing.T) {
	e := echo.New()
	handler := Authenticate("secret-key-123")(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong-key")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler(c)

	var ge *core.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusUnauthorized, ge.StatusCode)
	assert.Equal(t, core.ErrorTypeAuthentication, ge.Type)
	assert.Equal(t, core.CodeInvalidAuthKey, ge.Code)
	assert.False(t, ge.Retryable())
}

func TestAuthenticate_Integration(t *testing.T) {
	t.Run("with gateway key - protects all routes", func(t *testing.T) {
		e := echo.New()
		e.HTTPErrorHandler = errorHandler
		e.Use(Authenticate("my-secret-key"))

		e.GET("/test", func(c echo.Context) error {
			return c.String(http.StatusOK, "success")
		})

		// Request without auth should fail
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		// Request with valid auth should succeed
		req = httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer my-secret-key")
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", rec.Body.String())
	})

	t.Run("without gateway key - allows all routes", func(t *testing.T) {
		e := echo.New()
		e.HTTPErrorHandler = errorHandler
		e.Use(Authenticate(""))

		e.GET("/test", func(c echo.Context) error {
			return c.String(http.StatusOK, "success")
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", rec.Body.String())
	})
}

func TestAuthenticate_ConstantTimeComparison(t *testing.T) {
	t.Run("comparison outcomes", func(t *testing.T) {
		testCases := []struct {
			name        string
			token       string
			authKey     string
			shouldAllow bool
		}{
			{
				name:        "equal strings",
				token:       "secret-key-123",
				authKey:     "secret-key-123",
				shouldAllow: true,
			},
			{
				name:        "unequal strings - different at start",
				token:       "wrong-key-123",
				authKey:     "secret-key-123",
				shouldAllow: false,
			},
			{
				name:        "unequal strings - different at end",
				token:       "secret-key-456",
				authKey:     "secret-key-123",
				shouldAllow: false,
			},
			{
				name:        "unequal strings - different lengths",
				token:       "secret-key",
				authKey:     "secret-key-123",
				shouldAllow: false,
			},
			{
				name:        "empty token",
				token:       "",
				authKey:     "secret-key-123",
				shouldAllow: false,
			},
			{
				name:        "very long strings",
				token:       "a" + strings.Repeat("x", 1000) + "z",
				authKey:     "a" + strings.Repeat("x", 1000) + "x",
				shouldAllow: false,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				e := echo.New()
				handler := Authenticate(tc.authKey)(func(c echo.Context) error {
					return c.String(http.StatusOK, "ok")
				})

				req := httptest.NewRequest(http.MethodGet, "/", nil)
				req.Header.Set(echo.HeaderAuthorization, "Bearer "+tc.token)
				rec := httptest.NewRecorder()
				c := e.NewContext(req, rec)

				err := handler(c)

				if tc.shouldAllow {
					require.NoError(t, err)
					assert.Equal(t, http.StatusOK, rec.Code)
					assert.Equal(t, "ok", rec.Body.String())
				} else {
					var ge *core.GatewayError
					require.ErrorAs(t, err, &ge)
					assert.Equal(t, http.StatusUnauthorized, ge.StatusCode)
				}
			})
		}
	})

	t.Run("direct constant-time comparison verification", func(t *testing.T) {
		testCases := []struct {
			name     string
			a        string
			b        string
			expected bool
		}{
			{"equal strings", "test", "test", true},
			{"unequal strings", "test", "tset", false},
			{"different lengths", "test", "testing", false},
			{"empty strings", "", "", true},
			{"one empty", "", "test", false},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				result := subtle.ConstantTimeCompare([]byte(tc.a), []byte(tc.b)) == 1
				assert.Equal(t, tc.expected, result, "ConstantTimeCompare should return %v for %q vs %q", tc.expected, tc.a, tc.b)
			})
		}
	})
}
