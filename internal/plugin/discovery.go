package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

// Source is a plugin ready to be handed to the Loader.
type Source struct {
	// ID is the plugin id, taken from the manifest or the directory name.
	ID string
	// Name is the chunk name used in script error messages.
	Name string
	// Code is the Lua module source.
	Code string
	// Manifest is never nil; plugins without plugin.json get a minimal one.
	Manifest *Manifest
}

// Root is one place plugins are discovered from.
type Root struct {
	Name string
	FS   fs.FS
}

// DiscoveryError records a directory that looked like a plugin but could
// not be read.
type DiscoveryError struct {
	Root string
	Dir  string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s/%s: %v", e.Root, e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Discover finds plugins in every root. Each immediate subdirectory holding
// plugin.json or plugin.lua is a plugin, as is a top-level <id>.lua file.
// When two roots provide the same id the earlier root wins. Sources are
// returned sorted by id; unreadable plugins are reported in the error
// without stopping discovery.
func Discover(logger *slog.Logger, roots ...Root) ([]Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	found := make(map[string]Source)
	var errs []error

	for _, root := range roots {
		entries, err := fs.ReadDir(root.FS, ".")
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, &DiscoveryError{Root: root.Name, Dir: ".", Err: err})
			continue
		}
		for _, entry := range entries {
			var (
				src Source
				err error
				ok  bool
			)
			if entry.IsDir() {
				src, ok, err = inspectDir(root, entry.Name())
			} else if path.Ext(entry.Name()) == ".lua" {
				src, ok, err = inspectFile(root, entry.Name())
			}
			if err != nil {
				errs = append(errs, &DiscoveryError{Root: root.Name, Dir: entry.Name(), Err: err})
				continue
			}
			if !ok {
				continue
			}
			if prev, exists := found[src.ID]; exists {
				logger.Debug("plugin shadowed", slog.String("plugin", src.ID),
					slog.String("kept", prev.Name), slog.String("ignored", src.Name))
				continue
			}
			found[src.ID] = src
		}
	}

	sources := make([]Source, 0, len(found))
	for _, src := range found {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources, errors.Join(errs...)
}

func inspectDir(root Root, dir string) (Source, bool, error) {
	var manifest *Manifest
	if _, err := fs.Stat(root.FS, path.Join(dir, ManifestFile)); err == nil {
		m, err := ReadManifest(root.FS, dir)
		if err != nil {
			return Source{}, false, err
		}
		manifest = m
	} else if _, err := fs.Stat(root.FS, path.Join(dir, DefaultMain)); err == nil {
		manifest = NewManifestMinimal(dir)
		if err := manifest.Validate(); err != nil {
			return Source{}, false, err
		}
	} else {
		return Source{}, false, nil
	}

	main := path.Join(dir, manifest.Main)
	code, err := fs.ReadFile(root.FS, main)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Source{}, false, ErrNoEntryPoint
		}
		return Source{}, false, err
	}
	return Source{
		ID:       manifest.ID,
		Name:     root.Name + "/" + main,
		Code:     string(code),
		Manifest: manifest,
	}, true, nil
}

func inspectFile(root Root, file string) (Source, bool, error) {
	id := strings.TrimSuffix(file, ".lua")
	manifest := NewManifestMinimal(id)
	manifest.Main = file
	if err := manifest.Validate(); err != nil {
		return Source{}, false, err
	}
	code, err := fs.ReadFile(root.FS, file)
	if err != nil {
		return Source{}, false, err
	}
	return Source{
		ID:       id,
		Name:     root.Name + "/" + file,
		Code:     string(code),
		Manifest: manifest,
	}, true, nil
}
