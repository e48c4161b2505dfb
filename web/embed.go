package web

import "embed"

// Templates embeds document templates rendered to PDF.
//
//go:embed templates/invoice/*.html
var Templates embed.FS
