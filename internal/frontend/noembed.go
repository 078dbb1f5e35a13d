//go:build !embed

package frontend

import "net/http"

func embedded() http.Handler { return nil }
