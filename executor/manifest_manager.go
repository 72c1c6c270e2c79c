package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"relink/fs"
)

// DefaultManifestFile is where a build records the artifacts it produced.
const DefaultManifestFile = "relink.lock"

type manifestData struct {
	Artifacts map[string]string `json:"artifacts"`
}

// ManifestManager persists the set of generated artifact paths together with
// their content hashes. clean removes exactly what the manifest records, and
// build treats an artifact whose on-disk hash no longer matches as stale.
type ManifestManager interface {
	Load() error
	Save() error
	Record(path, hash string)
	Hash(path string) (string, bool)
	Paths() []string
	File() string
	FS() fs.FileSystem
}

type manifestManager struct {
	file      string
	fs        fs.FileSystem
	artifacts map[string]string
	mu        sync.Mutex
}

func NewManifestManager(fsys fs.FileSystem, file string) ManifestManager {
	return &manifestManager{
		file:      file,
		fs:        fsys,
		artifacts: make(map[string]string),
	}
}

func (mm *manifestManager) Load() error {
	data, err := mm.fs.ReadFile(mm.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // It's okay if the manifest doesn't exist yet
		}
		return errors.Wrapf(err, "failed to read manifest %s", mm.file)
	}

	var parsed manifestData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return errors.Wrapf(err, "failed to parse manifest %s", mm.file)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if parsed.Artifacts != nil {
		mm.artifacts = parsed.Artifacts
	}
	return nil
}

func (mm *manifestManager) Save() error {
	mm.mu.Lock()
	data, err := json.MarshalIndent(manifestData{Artifacts: mm.artifacts}, "", "  ")
	mm.mu.Unlock()
	if err != nil {
		return err
	}

	return mm.fs.WriteFile(mm.file, data, 0644)
}

func (mm *manifestManager) Record(path, hash string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.artifacts[path] = hash
}

func (mm *manifestManager) Hash(path string) (string, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	hash, ok := mm.artifacts[path]
	return hash, ok
}

func (mm *manifestManager) Paths() []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	paths := make([]string, 0, len(mm.artifacts))
	for path := range mm.artifacts {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

func (mm *manifestManager) File() string { return mm.file }

func (mm *manifestManager) FS() fs.FileSystem { return mm.fs }

// HashFile returns the hex sha256 of the file's content.
func HashFile(fsys fs.FileSystem, path string) (string, error) {
	content, err := fsys.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "error reading file %s", path)
	}

	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:]), nil
}
