package ruledb

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"
)

// RuleStore owns the global allow-list file: it holds an exclusive advisory
// lock on the backing file for its entire lifetime and provides in-memory
// access to the decoded RuleDb.
type RuleStore struct {
	path string
	fd   int
	db   *RuleDb
}

// OpenRuleStore acquires an exclusive advisory lock on path and loads the
// RuleDb it contains. An empty or corrupt file yields an empty store (a
// warning is logged, not an error). A file over MaxFileSize is rejected.
func OpenRuleStore(path string) (*RuleStore, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errIO, path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", errLockHeld, path)
		}
		return nil, fmt.Errorf("%w: flock %s: %v", errIO, path, err)
	}

	s := &RuleStore{path: path, fd: fd}
	if err := s.reloadLocked(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *RuleStore) reloadLocked() error {
	data, err := readAllFd(s.fd)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", errIO, s.path, err)
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", errTooLarge, s.path, MaxFileSize)
	}
	db, err := DecodeRuleDb(data)
	if err != nil {
		log.Printf("ruledb: %s: %v; starting from an empty store", s.path, err)
		db = NewRuleDb()
	}
	s.db = db
	return nil
}

// Get returns the in-memory RuleDb for read access.
func (s *RuleStore) Get() *RuleDb { return s.db }

// Mut returns the in-memory RuleDb for mutation.
func (s *RuleStore) Mut() *RuleDb { return s.db }

// Persist rewrites the backing file with the current in-memory RuleDb,
// truncating to the written length. The exclusive lock held since Open
// serializes this against any other holder.
func (s *RuleStore) Persist() error {
	return writeAllFd(s.fd, EncodeRuleDb(s.db))
}

// Reload re-reads the backing file from disk, discarding in-memory edits.
func (s *RuleStore) Reload() error {
	return s.reloadLocked()
}

// Close releases the advisory lock and closes the backing file descriptor.
func (s *RuleStore) Close() error {
	return unix.Close(s.fd)
}

// UserStore is the per-user analogue of RuleStore, backing a UserDb.
type UserStore struct {
	path string
	fd   int
	db   *UserDb
}

// OpenUserStore acquires an exclusive advisory lock on path and loads the
// UserDb it contains.
func OpenUserStore(path string) (*UserStore, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errIO, path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", errLockHeld, path)
		}
		return nil, fmt.Errorf("%w: flock %s: %v", errIO, path, err)
	}
	s := &UserStore{path: path, fd: fd}
	if err := s.reloadLocked(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *UserStore) reloadLocked() error {
	data, err := readAllFd(s.fd)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", errIO, s.path, err)
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", errTooLarge, s.path, MaxFileSize)
	}
	db, err := DecodeUserDb(data)
	if err != nil {
		log.Printf("ruledb: %s: %v; starting from an empty store", s.path, err)
		db = NewUserDb()
	}
	s.db = db
	return nil
}

func (s *UserStore) Get() *UserDb { return s.db }
func (s *UserStore) Mut() *UserDb { return s.db }

func (s *UserStore) Persist() error {
	return writeAllFd(s.fd, EncodeUserDb(s.db))
}

func (s *UserStore) Reload() error {
	return s.reloadLocked()
}

func (s *UserStore) Close() error {
	return unix.Close(s.fd)
}

func readAllFd(fd int) ([]byte, error) {
	if _, err := unix.Seek(fd, 0, os.SEEK_SET); err != nil {
		return nil, err
	}
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if n == 0 || err != nil {
			if err != nil {
				return nil, err
			}
			break
		}
	}
	return out, nil
}

func writeAllFd(fd int, data []byte) error {
	if _, err := unix.Seek(fd, 0, os.SEEK_SET); err != nil {
		return fmt.Errorf("%w: seek: %v", errIO, err)
	}
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			return fmt.Errorf("%w: write: %v", errIO, err)
		}
		written += n
	}
	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		return fmt.Errorf("%w: truncate: %v", errIO, err)
	}
	return nil
}
