// Package server hosts the Fiber HTTP service: the request-id and recover
// middleware, the catch-all route that hands page requests to the proxy
// handler, and the shared upstream http.Client. Diagnostics and page-bridge
// endpoints live under /-/ and are registered by the routes subpackage.
package server
