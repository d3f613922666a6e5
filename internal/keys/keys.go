// Package keys maps local asset paths to object keys.
package keys

import "strings"

// Builder turns physical paths under Root into object keys, optionally
// nested under VirtualDirectory.
type Builder struct {
	Root             string
	VirtualDirectory string
}

// New returns a Builder for the given root and virtual directory.
func New(root, virtualDirectory string) Builder {
	return Builder{Root: root, VirtualDirectory: virtualDirectory}
}

// KeyFor returns the object key for path. Paths outside Root are used as-is.
// Only a leading occurrence of Root is removed.
func (b Builder) KeyFor(path string) string {
	if b.Root != "" && strings.HasPrefix(path, b.Root) {
		path = path[len(b.Root):]
	}

	dir := strings.TrimRight(toSlash(b.VirtualDirectory), "/")
	rel := strings.TrimLeft(toSlash(path), "/")
	return strings.TrimLeft(dir+"/"+rel, "/")
}

func toSlash(s string) string {
	return strings.ReplaceAll(s, `\`, "/")
}
