// Package middleware wraps a Datastore backend to add behavior at rest.
package middleware

import "github.com/aretw0/databench/pkg/ports"

// Middleware allows wrapping a DataBackend to add behavior.
type Middleware func(ports.DataBackend) ports.DataBackend

// Chain applies middlewares so that the first one is the outermost.
func Chain(backend ports.DataBackend, mws ...Middleware) ports.DataBackend {
	for i := len(mws) - 1; i >= 0; i-- {
		backend = mws[i](backend)
	}
	return backend
}
