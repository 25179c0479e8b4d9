package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"lapse/pkg/logx"
)

// FileSource loads policy documents from a directory into a Store. Each
// *.yaml, *.yml or *.json file holds one policy.
type FileSource struct {
	dir   string
	store *Store
	log   logx.Logger

	mu sync.Mutex
	// owned maps file path to the policy id it produced last time.
	owned map[string]ID
}

func NewFileSource(dir string, store *Store, log logx.Logger) *FileSource {
	return &FileSource{
		dir:   dir,
		store: store,
		log:   log.With(logx.String("comp", "policy.source"), logx.String("dir", dir)),
		owned: map[string]ID{},
	}
}

func isPolicyFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadResult summarizes one directory scan.
type LoadResult struct {
	Loaded  int
	Changed int
	Deleted int
	Failed  int
}

// Load scans the directory once. Files that fail to parse keep their
// previous version in the store; policies whose files disappeared are
// deleted.
func (s *FileSource) Load(ctx context.Context) (LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res LoadResult
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, fmt.Errorf("read policy dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isPolicyFile(e.Name()) {
			names = append(names, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(names)

	next := make(map[string]ID, len(names))
	claimed := map[ID]string{}
	for _, path := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := s.read(path)
		if err != nil {
			res.Failed++
			s.log.Warn("policy file rejected", logx.String("path", path), logx.Err(err))
			if id, ok := s.owned[path]; ok {
				next[path] = id
				claimed[id] = path
			}
			continue
		}
		if other, dup := claimed[p.ID]; dup {
			res.Failed++
			s.log.Warn("duplicate policy id; ignoring file",
				logx.String("path", path),
				logx.String("policy_id", string(p.ID)),
				logx.String("first", other),
			)
			continue
		}
		claimed[p.ID] = path
		next[path] = p.ID

		_, changed, err := s.store.Put(p)
		if err != nil {
			res.Failed++
			s.log.Warn("policy store rejected document", logx.String("path", path), logx.Err(err))
			continue
		}
		res.Loaded++
		if changed {
			res.Changed++
		}
	}

	for path, id := range s.owned {
		if _, still := claimed[id]; still {
			continue
		}
		if err := s.store.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("policy delete failed", logx.String("policy_id", string(id)), logx.Err(err))
			continue
		}
		res.Deleted++
		s.log.Info("policy file removed", logx.String("path", path), logx.String("policy_id", string(id)))
	}
	s.owned = next
	return res, nil
}

func (s *FileSource) read(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Watch reloads the directory on change until ctx is done. It returns an
// error when the watcher breaks so a supervisor can restart it.
func (s *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("policy watch add: %w", err)
	}
	s.log.Debug("policy watcher started")

	const debounceDelay = 250 * time.Millisecond
	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(debounceDelay)
		pending = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("policy watcher closed")
			}
			if isPolicyFile(ev.Name) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("policy watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("policy watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			if err != nil {
				s.log.Warn("policy watch error", logx.Err(err))
			}
		case <-pending:
			pending = nil
			res, err := s.Load(ctx)
			if err != nil {
				s.log.Warn("policy reload failed", logx.Err(err))
				continue
			}
			s.log.Info("policies reloaded",
				logx.Int("loaded", res.Loaded),
				logx.Int("changed", res.Changed),
				logx.Int("deleted", res.Deleted),
				logx.Int("failed", res.Failed),
			)
		}
	}
}
