package mock

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	iofs "io/fs"

	"github.com/bmatcuk/doublestar/v4"

	"relink/fs"
)

type MockFile struct {
	*bytes.Buffer
	ReadOnly bool
	ModTime  time.Time
}

func (m *MockFile) Close() error { return nil }

func (m *MockFile) Write(p []byte) (n int, err error) {
	if m.ReadOnly {
		return 0, os.ErrPermission
	}
	return m.Buffer.Write(p)
}

type mockDirEntry struct {
	name  string
	isDir bool
	typ   iofs.FileMode
	info  iofs.FileInfo
}

func (m *mockDirEntry) Name() string                 { return m.name }
func (m *mockDirEntry) IsDir() bool                  { return m.isDir }
func (m *mockDirEntry) Type() iofs.FileMode          { return m.typ }
func (m *mockDirEntry) Info() (iofs.FileInfo, error) { return m.info, nil }

type mockFileInfo struct {
	name    string
	mode    os.FileMode
	size    int64
	modTime time.Time
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.mode.IsDir() }
func (m *mockFileInfo) Sys() interface{}   { return nil }

// MockFileSystem implements the FileSystem interface for testing. Every write
// advances an internal clock by one second so that modtime comparisons are
// deterministic regardless of wall-clock resolution.
type MockFileSystem struct {
	Files    map[string]*MockFile
	fileMode map[string]os.FileMode
	clock    time.Time
	mu       sync.Mutex
}

func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		Files:    make(map[string]*MockFile),
		fileMode: make(map[string]os.FileMode),
		clock:    time.Unix(1000, 0),
	}
}

func (m *MockFileSystem) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// Touch bumps the file's modtime past every other file in the mock, creating
// it empty if needed.
func (m *MockFileSystem) Touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.Files[name]
	if !ok {
		file = &MockFile{Buffer: bytes.NewBuffer(nil)}
		m.Files[name] = file
		m.fileMode[name] = 0644
	}
	file.ModTime = m.tick()
}

func (m *MockFileSystem) ReadFile(filename string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.Files[filename]; ok {
		if file.ReadOnly {
			return nil, os.ErrPermission
		}
		return file.Bytes(), nil
	}
	return nil, os.ErrNotExist
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.Files[filename]; ok && file.ReadOnly {
		return os.ErrPermission
	}
	m.Files[filename] = &MockFile{Buffer: bytes.NewBuffer(data), ModTime: m.tick()}
	m.fileMode[filename] = perm

	return nil
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return nil
}

func (m *MockFileSystem) Stat(name string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.Files[name]; ok {
		return &mockFileInfo{
			name:    filepath.Base(name),
			mode:    m.fileMode[name],
			size:    int64(file.Len()),
			modTime: file.ModTime,
		}, nil
	}
	return nil, os.ErrNotExist
}

func (m *MockFileSystem) Open(name string) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.Files[name]; ok {
		return file, nil
	}
	return nil, os.ErrNotExist
}

func (m *MockFileSystem) Create(name string) (fs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file := &MockFile{Buffer: bytes.NewBuffer(nil), ModTime: m.tick()}
	m.Files[name] = file
	return file, nil
}

func (m *MockFileSystem) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.Files[oldpath]; ok {
		m.Files[newpath] = data
		m.fileMode[newpath] = m.fileMode[oldpath]
		delete(m.Files, oldpath)
		delete(m.fileMode, oldpath)
		return nil
	}
	return os.ErrNotExist
}

func (m *MockFileSystem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Files[name]; !ok {
		return os.ErrNotExist
	}
	delete(m.Files, name)
	delete(m.fileMode, name)
	return nil
}

func (m *MockFileSystem) Chtimes(name string, atime, mtime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.Files[name]
	if !ok {
		return os.ErrNotExist
	}
	file.ModTime = mtime
	return nil
}

func (m *MockFileSystem) DoublestarGlob(pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []string
	for filename := range m.Files {
		matched, err := doublestar.Match(pattern, filename)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, filename)
		}
	}
	return matches, nil
}

func (m *MockFileSystem) WalkDir(root string, fn iofs.WalkDirFunc) error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.Files))
	for path := range m.Files {
		if strings.HasPrefix(path, root) {
			paths = append(paths, path)
		}
	}
	m.mu.Unlock()

	for _, path := range paths {
		m.mu.Lock()
		file, ok := m.Files[path]
		var entry *mockDirEntry
		if ok {
			entry = &mockDirEntry{
				name: filepath.Base(path),
				typ:  os.FileMode(0),
				info: &mockFileInfo{
					name:    filepath.Base(path),
					mode:    m.fileMode[path],
					size:    int64(file.Len()),
					modTime: file.ModTime,
				},
			}
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(path, entry, nil); err != nil {
			return err
		}
	}
	return nil
}
