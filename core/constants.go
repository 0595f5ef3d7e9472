package core

import (
	"path"

	"github.com/fairmail/fairmail/fs"
)

// DefaultConfigFolderName is the name of the folder containing the key
// material and the entries db file by default. It is relative to the user's
// home directory.
const DefaultConfigFolderName = ".fairmail"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDbFolder is the name of the folder in which the db file is saved. By
// default it is relative to the DefaultConfigFolder path.
const DefaultDbFolder = "db"

// DefaultListenAddress is the address the public API binds to when no
// WithListenAddress option is given.
const DefaultListenAddress = "127.0.0.1:8880"
