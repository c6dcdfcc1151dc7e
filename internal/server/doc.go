// Package server hosts the Fiber HTTP service that fronts the origin: it
// bootstraps Fiber, attaches recover and request-id middlewares, hands every
// page request to the proxy handler and leaves /-/ to diagnostics routes.
// It also owns the shared upstream http.Client so the agent's network calls
// reuse one pooled transport.
package server
