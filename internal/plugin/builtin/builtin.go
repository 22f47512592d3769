// Package builtin embeds the plugins that ship with reaplugin.
//
// Each plugin is a directory holding plugin.json and plugin.lua. The set is
// discovered like any other plugin root and can be shadowed by a user
// directory that provides the same id.
package builtin

import (
	"embed"
	"io/fs"

	"github.com/tadel/reaplugin/internal/plugin"
)

// RootName labels built-in sources in chunk names and logs.
const RootName = "builtin"

//go:embed *.reaplugin example.plugin
var files embed.FS

// FS returns the embedded plugin tree.
func FS() fs.FS {
	return files
}

// Root returns the built-in set as a discovery root.
func Root() plugin.Root {
	return plugin.Root{Name: RootName, FS: files}
}

// IDs lists the built-in plugin ids.
func IDs() []string {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids
}
