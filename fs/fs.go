// Package appfs embeds the static files shipped with the binary.
package appfs

import "embed"

//go:embed migrations
var FS embed.FS
