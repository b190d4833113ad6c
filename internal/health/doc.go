// Package health provides liveness and readiness probes and the HTTP
// handlers that serve them.
//
// [All] combines probes, [Fixed] is a static probe and [CheckFunc] adapts a
// function. [ShutdownGate] fails readiness during drain so the load balancer
// stops routing to the instance before the listeners close.
package health
