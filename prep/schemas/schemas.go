// Package schemas embeds the payload and sub-document schemas of the prep
// service.
package schemas

import "embed"

//go:embed *.json
var FS embed.FS
