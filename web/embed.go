package web

import "embed"

// FS contains the status page served at /.
//
//go:embed index.html
var FS embed.FS
