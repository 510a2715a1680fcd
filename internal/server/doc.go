// Package server hosts the Fiber HTTP service, the request middleware chain and
// the repository registry that maps /repository/:id/* paths to proxy handlers.
// Keep exports narrow and accept explicit dependencies so cmd and proxy
// packages can wire their own implementations.
package server
