// Package blobs stores CID-addressed ciphertext payloads across N redundant
// slot directories (relayer_0 .. relayer_{N-1}). Writes go through a partial
// file and an atomic rename; reads verify content against the CID before
// returning it.
package blobs

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/blocknet/relayer/crypto"
	"github.com/pkg/errors"
)

// ErrStorageFull is returned when no slot can accept a fresh payload within
// its quota.
var ErrStorageFull = errors.New("insufficient storage across all slots")

// ErrCIDMismatch is returned when a peer-supplied payload does not hash to
// the claimed CID.
var ErrCIDMismatch = errors.New("cid mismatch")

// ErrNotFound is returned when no slot holds a valid copy of a CID.
var ErrNotFound = errors.New("payload not found")

// Store is an N-slot content-addressed blob store.
type Store struct {
	baseDir    string
	slots      int
	quotaBytes int64
}

// NewStore creates the slot directories under baseDir.
func NewStore(baseDir string, redundancy int, quotaBytes int64) (*Store, error) {
	if redundancy < 1 {
		return nil, errors.New("redundancy must be at least 1")
	}
	s := &Store{baseDir: baseDir, slots: redundancy, quotaBytes: quotaBytes}
	for i := 0; i < redundancy; i++ {
		if err := os.MkdirAll(s.slotDir(i), 0700); err != nil {
			return nil, errors.Wrapf(err, "could not create slot directory %d", i)
		}
	}
	return s, nil
}

// Slots returns the number of redundant slot directories.
func (s *Store) Slots() int {
	return s.slots
}

// Save writes the payload to every slot that has room and returns its CID.
// Slots already holding the file count as written; a slot whose projected
// size would exceed the quota is skipped. Fails with ErrStorageFull only
// when no slot accepted the payload.
func (s *Store) Save(payload interface{}) (string, error) {
	cid, err := crypto.CID(payload)
	if err != nil {
		return "", err
	}
	data, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	written := 0
	for i := 0; i < s.slots; i++ {
		ok, err := s.writeSlot(cid, data, i)
		if err != nil {
			return "", err
		}
		if ok {
			written++
		}
	}
	if written == 0 {
		return "", ErrStorageFull
	}
	return cid, nil
}

// SaveAt stores a peer-replicated payload into one slot after verifying the
// claimed CID.
func (s *Store) SaveAt(cid string, payload interface{}, slot int) error {
	if slot < 0 || slot >= s.slots {
		return errors.Errorf("slot %d out of range", slot)
	}
	actual, err := crypto.CID(payload)
	if err != nil {
		return err
	}
	if actual != cid {
		return errors.Wrapf(ErrCIDMismatch, "claimed %s, actual %s", cid, actual)
	}
	data, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return err
	}
	if _, err := s.writeSlot(cid, data, slot); err != nil {
		return err
	}
	return nil
}

// Fetch returns the first slot copy whose content still hashes to cid.
// Corrupted copies are skipped.
func (s *Store) Fetch(cid string) (interface{}, error) {
	for i := 0; i < s.slots; i++ {
		raw, err := ioutil.ReadFile(s.blobPath(cid, i)) // #nosec G304
		if err != nil {
			continue
		}
		payload, err := crypto.DecodeJSON(raw)
		if err != nil {
			continue
		}
		actual, err := crypto.CID(payload)
		if err != nil || actual != cid {
			continue
		}
		return payload, nil
	}
	return nil, ErrNotFound
}

// Has reports whether any slot holds a valid copy of cid.
func (s *Store) Has(cid string) bool {
	_, err := s.Fetch(cid)
	return err == nil
}

func (s *Store) writeSlot(cid string, data []byte, slot int) (bool, error) {
	dst := s.blobPath(cid, slot)
	if _, err := os.Stat(dst); err == nil {
		return true, nil
	}
	if s.quotaBytes > 0 {
		used, err := dirSizeBytes(s.slotDir(slot))
		if err != nil {
			return false, err
		}
		if used+int64(len(data)) > s.quotaBytes {
			return false, nil
		}
	}
	partial := dst + ".partial"
	if err := ioutil.WriteFile(partial, data, 0600); err != nil {
		return false, errors.Wrap(err, "could not write partial file")
	}
	if err := os.Rename(partial, dst); err != nil {
		return false, errors.Wrap(err, "could not rename partial file to final")
	}
	return true, nil
}

func (s *Store) slotDir(i int) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("relayer_%d", i))
}

func (s *Store) blobPath(cid string, slot int) string {
	return filepath.Join(s.slotDir(slot), cid+".json")
}

func dirSizeBytes(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Files can vanish between walk and stat.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
