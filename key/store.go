package key

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/fairmail/fairmail/fs"
)

// KeyFolderName is the name of the folder where the daemon keeps its keys
const KeyFolderName = "key"

const keyFileName = "identity"
const privateExtension = ".private"
const publicExtension = ".public"

// Tomler represents any struct that can be (un)marshalled into/from toml format
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// Store abstracts the loading and saving of any identity material.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
}

type fileStore struct {
	baseFolder     string
	privateKeyFile string
	publicKeyFile  string
}

// NewFileStore is used to create the config folder and all the subfolders.
// If a folder already exists, we simply check the rights
func NewFileStore(baseFolder string) Store {
	store := &fileStore{baseFolder: baseFolder}
	keyFolder := fs.CreateSecureFolder(path.Join(baseFolder, KeyFolderName))
	store.privateKeyFile = path.Join(keyFolder, keyFileName) + privateExtension
	store.publicKeyFile = path.Join(keyFolder, keyFileName) + publicExtension
	return store
}

// SaveKeyPair first saves the private key in a file with tight permissions and
// then saves the public part in another file.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := Save(f.privateKeyFile, p, true); err != nil {
		return err
	}
	return Save(f.publicKeyFile, p.Public, false)
}

// LoadKeyPair decodes the private key pair and rederives the public identity
// from it, so a tampered public file can never diverge from the key.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := Load(f.privateKeyFile, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Save the given Tomler interface to the given path.
func Save(filePath string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(filePath)
	} else {
		fd, err = os.Create(filePath)
	}
	if err != nil {
		return fmt.Errorf("can't save %T to %s: %w", t, filePath, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load the given Tomler from the given file path.
func Load(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	var err error
	if _, err = toml.DecodeFile(filePath, tomlValue); err != nil {
		return err
	}
	return t.FromTOML(tomlValue)
}
