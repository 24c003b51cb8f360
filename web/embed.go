// Package web bundles the editor UI and the static data files served by the
// front door.
package web

import (
	"embed"
	"io/fs"
)

//go:embed editor
var editorFiles embed.FS

//go:embed timezones.json
var timezones []byte

// Editor returns a filesystem rooted at the bundled editor assets.
func Editor() (fs.FS, error) {
	return fs.Sub(editorFiles, "editor")
}

// Timezones returns the bundled timezone list, a JSON object mapping IANA
// names to display labels.
func Timezones() []byte {
	return append([]byte(nil), timezones...)
}
