package web

import "embed"

// Assets holds the browser client served at /.
//
//go:embed static
var Assets embed.FS
