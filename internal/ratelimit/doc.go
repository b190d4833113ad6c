// Package ratelimit is per-client-ip token bucket middleware for the ingest
// API, backed by golang.org/x/time/rate.
//
// State is in memory and local to one instance. It keeps a single noisy
// client from starving the counter mutex; distributed floods belong to the
// load balancer or WAF in front.
package ratelimit
