// Package httpserver constructs the process's http.Server.
package httpserver

import (
	"net/http"
	"time"
)

// New wraps handler in a server bound to addr. ReadHeaderTimeout is set so a
// client cannot hold a connection open by trickling header bytes.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
