// Package assets embeds the tray icon.
package assets

import _ "embed"

//go:embed icon.png
var iconPNG []byte

//go:embed icon.ico
var iconICO []byte
