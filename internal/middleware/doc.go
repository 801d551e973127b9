// Package middleware runs the ordered download middleware chain around every
// fetch. Request handlers run in configured order; response and exception
// handlers run in reverse, so the middleware closest to the transport sees
// responses and failures first.
package middleware
