// Package httpmw holds the HTTP middleware shared by the API and admin
// listeners.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request id, client ip, rate limiting, tracing, trace
// response headers, metrics, request logger, then the chi router with
// route annotation, access log and body limit inside it.
//
// Request bodies, query values and event keys are kept out of access logs.
package httpmw
