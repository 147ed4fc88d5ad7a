package migrations

import "embed"

// Files exposes the embedded SQL migrations, applied in lexicographical order.
//
//go:embed *.sql
var Files embed.FS
