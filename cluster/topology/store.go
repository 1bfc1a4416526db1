package topology

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Load when no topology file exists.
	ErrNotFound = errors.New("topology file not found")

	// ErrCorrupt is returned by Load when the topology file cannot
	// be parsed.
	ErrCorrupt = errors.New("topology file is corrupt")
)

// Store persists the topology as a single JSON file. Saves are atomic
// (temp file + rename) so a concurrent reader never observes a
// partially written file, and Mutate holds an exclusive advisory lock
// across the whole load-mutate-save sequence.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the topology file.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a topology file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and parses the topology file.
func (s *Store) Load() (*Topology, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", s.path)
		}
		return nil, errors.Wrap(err, "failed to read topology file")
	}

	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", s.path, err)
	}

	return &topo, nil
}

// Save writes the topology atomically: marshal to a temp file in the
// same directory, then rename over the target.
func (s *Store) Save(topo *Topology) error {
	data, err := json.MarshalIndent(topo, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal topology")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create topology directory")
	}

	tmp, err := os.CreateTemp(dir, ".topology-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create temp topology file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write temp topology file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp topology file")
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace topology file")
	}

	return nil
}

// Remove deletes the topology file and its lock file.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove topology file")
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove topology lock file")
	}
	return nil
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// Lock takes the exclusive advisory lock guarding topology mutation.
// The returned release function must be called to drop it. Mutating
// group operations across the whole cluster serialize behind this one
// lock.
func (s *Store) Lock() (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create topology directory")
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open topology lock file")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to lock topology")
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Mutate runs fn on the stored topology under the exclusive lock and
// persists the result.
func (s *Store) Mutate(fn func(*Topology) error) error {
	release, err := s.Lock()
	if err != nil {
		return err
	}
	defer release()

	topo, err := s.Load()
	if err != nil {
		return err
	}

	if err := fn(topo); err != nil {
		return err
	}

	return s.Save(topo)
}
