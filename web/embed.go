// Package web holds the dashboard templates and static assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed css/*.css js/*.js
var static embed.FS

// Templates returns the page templates rooted at the templates dir.
func Templates() fs.FS {
	sub, err := fs.Sub(templates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Static returns the assets served under /static/.
func Static() fs.FS {
	return static
}
