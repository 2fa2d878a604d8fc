package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// UserAgent identifies bufarc to the mirror operators, who ask that
// automated clients be traceable to a project.
const UserAgent = "bufarc (+https://github.com/wxarc/bufarc)"

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}
