package memo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
)

// ErrCacheCorrupt marks a cache file that exists, is non-empty, and is
// not valid JSON. Likely a leftover from the legacy binary encoding;
// migration is manual.
var ErrCacheCorrupt = errors.New("cache file is not valid json")

// ErrNotFound is returned by point deletes for ids that are not in the
// record list.
var ErrNotFound = errors.New("no annotation with that id")

// GroupMismatchError means a cache file belongs to a different group
// than the Memoizer is bound to. The Memoizer refuses to operate on it.
type GroupMismatchError struct {
	Want string
	Got  string
}

func (e GroupMismatchError) Error() string {
	return fmt.Sprintf("groups do not match: want %s got %s", e.Want, e.Got)
}

// UsageError marks a programmer error in how the Memoizer was driven.
type UsageError struct {
	Msg string
}

func (e UsageError) Error() string { return "usage: " + e.Msg }

// CachePath derives the cache file path for a group under dir. Group
// names are hashed so arbitrary group ids make safe filenames;
// __world__ is special-cased through un-hashed.
func CachePath(dir, group string) string {
	name := group
	if group != "__world__" {
		sum := sha256.Sum256([]byte(group))
		name = hex.EncodeToString(sum[:])
	}
	return filepath.Join(dir, fmt.Sprintf("annos-%s.json", name))
}

// readCacheFile reads one cache artifact: either the current
// two-element [[row...], lsu] form or the legacy bare [row...] form.
// Missing and empty files read as an empty list. A JSON null lsu reads
// as absent.
func readCacheFile(path string) ([]*annotation.Annotation, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("memoization file does not exist")
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(data) == 0 {
		log.Info().Str("path", path).Msg("memoization file exists but is empty")
		return nil, "", nil
	}

	rows, lsu, err := decodeCache(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrCacheCorrupt, path, err)
	}

	annos := make([]*annotation.Annotation, 0, len(rows))
	for _, row := range rows {
		a, err := annotation.Parse(row)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		annos = append(annos, a)
	}
	return annos, lsu, nil
}

func decodeCache(data []byte) ([]json.RawMessage, string, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, "", err
	}

	// Current form: exactly two elements, rows then a string (or null)
	// lsu. A two-element array whose members do not fit that shape is
	// the rare legacy file holding exactly two annotations.
	if len(outer) == 2 {
		var lsu *string
		if err := json.Unmarshal(outer[1], &lsu); err == nil {
			var rows []json.RawMessage
			if err := json.Unmarshal(outer[0], &rows); err == nil {
				if lsu == nil {
					return rows, "", nil
				}
				return rows, *lsu, nil
			}
		}
	}

	// Legacy form: the whole document is the row list.
	rows := outer
	lsu := ""
	if len(rows) > 0 {
		var last struct {
			Updated string `json:"updated"`
		}
		if err := json.Unmarshal(rows[len(rows)-1], &last); err != nil {
			return nil, "", err
		}
		lsu = last.Updated
	}
	return rows, lsu, nil
}

// writeCacheFile persists the two-element form. A file that does not
// exist yet is created empty and chmodded to 0600 before any content
// is written, so a readable artifact never exists with the wrong
// permissions.
func writeCacheFile(path string, annos []*annotation.Annotation) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		f.Close()
		if err := os.Chmod(path, 0o600); err != nil {
			return err
		}
	}

	var lsu *string
	if len(annos) > 0 {
		u := annos[len(annos)-1].Updated()
		lsu = &u
	}
	if annos == nil {
		annos = []*annotation.Annotation{}
	}
	data, err := json.Marshal([]any{annos, lsu})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// readBatchFile reads one lock-folder batch: a bare JSON array of rows.
func readBatchFile(path string) ([]json.RawMessage, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrCacheCorrupt, path, err)
	}
	lsu := ""
	if len(rows) > 0 {
		var last struct {
			Updated string `json:"updated"`
		}
		if err := json.Unmarshal(rows[len(rows)-1], &last); err != nil {
			return nil, "", err
		}
		lsu = last.Updated
	}
	return rows, lsu, nil
}
