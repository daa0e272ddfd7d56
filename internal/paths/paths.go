package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "strata"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the root cache directory.
//
//	Linux:   $XDG_CACHE_HOME/strata or ~/.cache/strata
//	macOS:   ~/Library/Caches/strata
func Cache() string {
	return filepath.Join(xdg.CacheHome, toolName)
}

// Default path to the snapshot store.
//
//	Linux:   $XDG_CACHE_HOME/strata/store
//	macOS:   ~/Library/Caches/strata/store
func Store() string {
	return filepath.Join(Cache(), "store")
}

// Default path to the directory holding base filesystem archives.
//
//	Linux:   $XDG_CACHE_HOME/strata/bases
//	macOS:   ~/Library/Caches/strata/bases
func Bases() string {
	return filepath.Join(Cache(), "bases")
}
