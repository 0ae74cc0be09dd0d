// Package pathmap maps a request target to a filesystem path under the
// document root. It performs no sanitization or traversal protection;
// callers are responsible for any access control they need above it.
package pathmap

import "path"

// Resolver maps request targets under a document root.
type Resolver struct {
	Root string
}

// GET maps target to a path under Root. "/" maps to the fixed index file
// name, matching the original handler's special case.
func (r Resolver) GET(target string) string {
	if target == "/" {
		return path.Join(r.Root, "server-index.html")
	}
	return r.Root + target
}

// PUT maps an already-validated /upload-prefixed target to a path under
// Root/uploads. Callers must reject targets without the /upload prefix
// before calling this (reqlex.Lex already does, at request-parse time).
func (r Resolver) PUT(target string) string {
	suffix := target[len("/upload"):]
	return r.Root + "/uploads" + suffix
}
