// Package middleware wraps command execution with cross-cutting behavior.
// A HandlerFunc runs one command to completion; middlewares decorate it.
package middleware

import (
	"context"

	"p4rpc/dispatch"
)

// HandlerFunc runs a command.
type HandlerFunc func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error)

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so the first one is outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
