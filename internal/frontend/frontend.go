// Package frontend serves the browser dashboard. Binaries built with
// -tags embed carry the bundle; otherwise it is read from a directory.
package frontend

import (
	"net/http"
	"os"
)

// Handler serves dir when it is set and exists, else the embedded bundle.
// It returns nil when neither is available.
func Handler(dir string) http.Handler {
	if dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return http.FileServer(http.Dir(dir))
		}
	}
	return embedded()
}
