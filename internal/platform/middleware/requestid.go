// Package middleware carries the HTTP middleware shared by the API and admin
// surfaces: request IDs, zerolog request logging, panic recovery and token
// bucket rate limiting.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header request IDs arrive and leave in.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request an ID, preserving one supplied by the
// caller. The ID is stored under "request_id" for downstream middleware and
// echoed in the response header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
