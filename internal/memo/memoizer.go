package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
	"github.com/scholarly/hypersync/internal/hypapi"
)

const defaultBatchSize = 2000

// FileStore is the cache-file capability of a Memoizer.
type FileStore interface {
	Load() ([]*annotation.Annotation, string, error)
	Memoize(annos []*annotation.Annotation) error
}

// RemoteSource is the API capability: a paginated row stream. The
// hypapi Client satisfies it.
type RemoteSource interface {
	SearchAll(ctx context.Context, opts hypapi.SearchOpts, fn func(row json.RawMessage) error) error
}

// Helper is applied to each freshly merged record, in order, with the
// full merged list for context.
type Helper func(a *annotation.Annotation, all []*annotation.Annotation)

// Memoizer owns the on-disk cache of one group's annotations and keeps
// it consistent with the API. It is single-writer within a process;
// refreshes across processes coordinate through the lock folder.
type Memoizer struct {
	remote     RemoteSource
	group      string
	cacheFile  string
	lockFolder string
	batchSize  int
	poll       time.Duration
}

var _ FileStore = (*Memoizer)(nil)

// New builds a Memoizer bound to the client's group, caching at
// cacheFile. Use CachePath to derive a path from a cache directory.
func New(client *hypapi.Client, cacheFile string) *Memoizer {
	return NewWithSource(client, client.Group(), cacheFile)
}

// NewWithSource is New with an explicit row source and group, mainly
// for tests and read-only use (remote may be nil if Refresh is never
// called as claimant).
func NewWithSource(remote RemoteSource, group, cacheFile string) *Memoizer {
	return &Memoizer{
		remote:     remote,
		group:      group,
		cacheFile:  cacheFile,
		lockFolder: lockFolderPath(cacheFile),
		batchSize:  defaultBatchSize,
		poll:       time.Second,
	}
}

// Group returns the bound group.
func (m *Memoizer) Group() string { return m.group }

// CacheFile returns the cache file path.
func (m *Memoizer) CacheFile() string { return m.cacheFile }

// checkGroup refuses records that belong to another group.
func (m *Memoizer) checkGroup(annos []*annotation.Annotation) error {
	if len(annos) == 0 {
		return nil
	}
	if got := annos[0].Group(); got != m.group {
		return GroupMismatchError{Want: m.group, Got: got}
	}
	return nil
}

// Load reads the cache file and returns the records with their
// last-sync-updated cursor. Records for the wrong group fail with
// GroupMismatchError before anything else happens.
func (m *Memoizer) Load() ([]*annotation.Annotation, string, error) {
	annos, lsu, err := readCacheFile(m.cacheFile)
	if err != nil {
		return nil, "", err
	}
	if err := m.checkGroup(annos); err != nil {
		return nil, "", err
	}
	return annos, lsu, nil
}

// Memoize persists the record list as the new cache file content.
func (m *Memoizer) Memoize(annos []*annotation.Annotation) error {
	log.Info().Int("members", len(annos)).Msg("annos updated, memoizing new version")
	return writeCacheFile(m.cacheFile, annos)
}

// RefreshOpts tunes one Refresh run.
type RefreshOpts struct {
	// Since is the caller's snapshot cursor, normally the lsu that came
	// back from Load. Fetching resumes after it.
	Since string

	// StartAfter overrides the resume cursor explicitly. Setting it
	// together with a non-empty record list is a UsageError.
	StartAfter string

	// StopAt bounds the fetch at a known cursor.
	StopAt string

	// Helpers run once per fresh record after the merge.
	Helpers []Helper
}

// Refresh brings annos up to date with the API. It returns the merged
// list and the fresh records. Concurrent refreshers are tolerated: the
// lock folder decides whether this call fetches (claimant) or waits
// for a peer and re-reads the file (follower), and a lock left behind
// by a dead process is taken over, resuming from its batch files.
func (m *Memoizer) Refresh(ctx context.Context, annos []*annotation.Annotation, opts RefreshOpts) (all, fresh []*annotation.Annotation, err error) {
	if err := m.checkGroup(annos); err != nil {
		return nil, nil, err
	}

	since := opts.Since
	if len(annos) > 0 {
		if opts.StartAfter != "" {
			return nil, nil, UsageError{Msg: "cannot have both a non-empty record list and an explicit start_after"}
		}
		if since == "" {
			since = annos[len(annos)-1].Updated()
		}
	} else if opts.StartAfter != "" {
		since = opts.StartAfter
	}

	all, fresh, err = m.stream(ctx, annos, since, opts.StopAt)
	if err != nil {
		return nil, nil, err
	}

	for _, a := range fresh {
		for _, helper := range opts.Helpers {
			helper(a, all)
		}
	}
	return all, fresh, nil
}

// GetAnnos is Load followed by Refresh from the loaded cursor.
func (m *Memoizer) GetAnnos(ctx context.Context) ([]*annotation.Annotation, error) {
	annos, lsu, err := m.Load()
	if err != nil {
		return nil, err
	}
	all, _, err := m.Refresh(ctx, annos, RefreshOpts{Since: lsu})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// stream decides the refresh role. Creating the lock folder claims the
// refresh; losing the race means a peer holds it, and a peer that died
// forfeits it along with its partial batches.
func (m *Memoizer) stream(ctx context.Context, annos []*annotation.Annotation, since, stopAt string) (all, fresh []*annotation.Annotation, err error) {
	if err := os.MkdirAll(filepath.Dir(m.lockFolder), 0o755); err != nil {
		return nil, nil, err
	}
	mkErr := os.Mkdir(m.lockFolder, 0o755)
	switch {
	case mkErr == nil:
		return m.claimRefresh(ctx, annos, since, stopAt)
	case os.IsExist(mkErr):
		pidPath := lockPidPath(m.lockFolder)
		if lockHolderDead(pidPath) {
			if _, _, ok, _ := readLockPid(pidPath); ok {
				log.Warn().Str("lock", m.lockFolder).Msg("taking over lock from dead process")
				if err := os.Remove(pidPath); err != nil {
					return nil, nil, err
				}
			}
			resume, err := lockFolderLSU(m.lockFolder)
			if err != nil {
				return nil, nil, err
			}
			// Resume from whichever is further along: the caller's
			// snapshot or the crashed predecessor's batches.
			if resume < since {
				resume = since
			}
			return m.claimRefresh(ctx, annos, resume, stopAt)
		}
		return m.waitForPeer(ctx, annos, since)
	default:
		return nil, nil, mkErr
	}
}

// claimRefresh fetches as the lock holder. Batch files are the unit of
// durable progress: every batchSize rows land in the lock folder under
// their last updated cursor before fetching continues. On success the
// batches merge into annos, the cache file is rewritten, and the
// folder goes away. On failure the pid file is released but the
// batches stay for a successor.
func (m *Memoizer) claimRefresh(ctx context.Context, annos []*annotation.Annotation, searchAfter, stopAt string) (all, fresh []*annotation.Annotation, err error) {
	pidPath := lockPidPath(m.lockFolder)
	if err := writeLockPid(pidPath); err != nil {
		return nil, nil, err
	}
	defer func() {
		if _, statErr := os.Stat(pidPath); statErr == nil {
			if rmErr := os.Remove(pidPath); rmErr != nil {
				log.Error().Err(rmErr).Msg("failed to release lock-pid")
			}
		}
	}()

	batch := make([]json.RawMessage, 0, m.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		lsu, err := rowUpdated(batch[len(batch)-1])
		if err != nil {
			return err
		}
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(m.lockFolder, lsu), data, 0o600); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = m.remote.SearchAll(ctx, hypapi.SearchOpts{
		Order:       "asc",
		Sort:        "updated",
		SearchAfter: searchAfter,
		StopAt:      stopAt,
	}, func(row json.RawMessage) error {
		batch = append(batch, row)
		if len(batch) >= m.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}

	fresh, err = m.collectBatches()
	if err != nil {
		return nil, nil, err
	}
	all = annos
	if len(fresh) > 0 {
		all = mergeAnnos(annos, fresh)
		if err := m.Memoize(all); err != nil {
			return nil, nil, err
		}
	}
	if err := os.RemoveAll(m.lockFolder); err != nil {
		return nil, nil, err
	}
	return all, fresh, nil
}

// waitForPeer blocks while a live peer refreshes, then re-reads the
// cache file it wrote. Fresh records are those past the caller's
// snapshot cursor.
func (m *Memoizer) waitForPeer(ctx context.Context, annos []*annotation.Annotation, since string) (all, fresh []*annotation.Annotation, err error) {
	log.Info().Str("lock", m.lockFolder).Msg("waiting for peer refresh to complete")
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(m.poll):
		}
		if _, err := os.Stat(m.lockFolder); os.IsNotExist(err) {
			break
		}
	}

	fromFile, _, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range fromFile {
		if a.Updated() > since {
			fresh = append(fresh, a)
		}
	}
	all = mergeAnnos(annos, fresh)
	return all, fresh, nil
}

// collectBatches reads the lock folder's batch files in name order and
// decodes their rows.
func (m *Memoizer) collectBatches() ([]*annotation.Annotation, error) {
	paths, err := batchFiles(m.lockFolder)
	if err != nil {
		return nil, err
	}
	var annos []*annotation.Annotation
	for _, path := range paths {
		rows, _, err := readBatchFile(path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			a, err := annotation.Parse(row)
			if err != nil {
				return nil, err
			}
			annos = append(annos, a)
		}
	}
	return annos, nil
}

// Add appends a record and persists.
func (m *Memoizer) Add(annos []*annotation.Annotation, a *annotation.Annotation) ([]*annotation.Annotation, error) {
	annos = append(annos, a)
	if err := m.Memoize(annos); err != nil {
		return nil, err
	}
	return annos, nil
}

// Update replaces the record with the same id and persists.
func (m *Memoizer) Update(annos []*annotation.Annotation, a *annotation.Annotation) ([]*annotation.Annotation, error) {
	annos, _ = removeByID(annos, a.ID())
	return m.Add(annos, a)
}

// Delete removes the record with the given id and persists. Unknown
// ids fail with ErrNotFound.
func (m *Memoizer) Delete(annos []*annotation.Annotation, id string) ([]*annotation.Annotation, error) {
	annos, removed := removeByID(annos, id)
	if removed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := m.Memoize(annos); err != nil {
		return nil, err
	}
	return annos, nil
}

func removeByID(annos []*annotation.Annotation, id string) ([]*annotation.Annotation, int) {
	kept := annos[:0]
	removed := 0
	for _, a := range annos {
		if a.ID() == id {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	return kept, removed
}

// mergeAnnos folds incoming records into existing ones: a shared id
// drops the existing record (the incoming one is newer by updated
// monotonicity), then everything is re-sorted by updated ascending.
func mergeAnnos(existing, incoming []*annotation.Annotation) []*annotation.Annotation {
	ids := make(map[string]struct{}, len(incoming))
	for _, a := range incoming {
		ids[a.ID()] = struct{}{}
	}
	merged := make([]*annotation.Annotation, 0, len(existing)+len(incoming))
	updated := 0
	for _, a := range existing {
		if _, ok := ids[a.ID()]; ok {
			updated++
			continue
		}
		merged = append(merged, a)
	}
	merged = append(merged, incoming...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Updated() < merged[j].Updated()
	})
	log.Info().Int("added", len(incoming)-updated).Int("updated", updated).Msg("merged annotations")
	return merged
}

func rowUpdated(row json.RawMessage) (string, error) {
	var r struct {
		Updated string `json:"updated"`
	}
	if err := json.Unmarshal(row, &r); err != nil {
		return "", fmt.Errorf("decode row updated: %w", err)
	}
	if r.Updated == "" {
		return "", fmt.Errorf("row has no updated field")
	}
	return r.Updated, nil
}
