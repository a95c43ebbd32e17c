package feedstore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ralphm/mimir/internal/errors"
)

// Storage is the file-backed feed registry: a flat `feeds` list file
// (one `handle url` per line, written sorted) plus a `<handle>.feed.json`
// snapshot per handle.
type Storage struct {
	dir          string
	feedListPath string

	mu    sync.RWMutex
	feeds map[string]*Feed
}

// Open returns a Storage rooted at dir. The feed list is not read
// until the first GetFeedList call, matching the source's lazy
// initialization.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create feed store directory %s", dir)
	}
	return &Storage{
		dir:          dir,
		feedListPath: filepath.Join(dir, "feeds"),
	}, nil
}

// GetFeedList returns the registry of known feeds, reading the `feeds`
// file on first call and caching the result afterward.
func (s *Storage) GetFeedList() (map[string]*Feed, error) {
	s.mu.RLock()
	if s.feeds != nil {
		defer s.mu.RUnlock()
		return s.feeds, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeds != nil {
		return s.feeds, nil
	}

	feeds, err := s.readFeedList()
	if err != nil {
		return nil, err
	}
	s.feeds = feeds
	return s.feeds, nil
}

// Reload discards the in-memory feed list and re-reads it from disk,
// used by the fsnotify watcher when the feeds file changes out from
// under the running process.
func (s *Storage) Reload() (map[string]*Feed, error) {
	feeds, err := s.readFeedList()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.feeds = feeds
	s.mu.Unlock()
	return feeds, nil
}

func (s *Storage) readFeedList() (map[string]*Feed, error) {
	file, err := os.Open(s.feedListPath)
	if os.IsNotExist(err) {
		return map[string]*Feed{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open feed list %s", s.feedListPath)
	}
	defer file.Close()

	feeds := map[string]*Feed{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		handle, url := fields[0], fields[1]
		feeds[handle] = &Feed{Handle: handle, Href: url}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read feed list %s", s.feedListPath)
	}
	return feeds, nil
}

func (s *Storage) writeFeedList() error {
	lines := make([]string, 0, len(s.feeds))
	for _, f := range s.feeds {
		lines = append(lines, f.Handle+" "+f.Href+"\n")
	}
	sort.Strings(lines)

	tmp := s.feedListPath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create temp feed list %s", tmp)
	}
	for _, line := range lines {
		if _, err := file.WriteString(line); err != nil {
			file.Close()
			return errors.Wrap(err, "write feed list")
		}
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "close feed list")
	}
	return os.Rename(tmp, s.feedListPath)
}

// SetFeedURL upserts handle -> url, persisting both the feed list and
// an initial empty snapshot, and returns the minimal feed record.
func (s *Storage) SetFeedURL(handle, url string) (*Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.feeds == nil {
		feeds, err := s.readFeedList()
		if err != nil {
			return nil, err
		}
		s.feeds = feeds
	}

	feed := &Feed{Handle: handle, Href: url}
	s.feeds[handle] = feed

	if err := s.storeFeedLocked(feed); err != nil {
		return nil, err
	}
	if err := s.writeFeedList(); err != nil {
		return nil, err
	}

	return feed, nil
}

// GetFeed returns the last-persisted snapshot for handle, falling
// back to the minimal registry record if no snapshot exists yet or it
// fails to parse.
func (s *Storage) GetFeed(handle string) (*Feed, error) {
	s.mu.RLock()
	minimal, known := s.feeds[handle]
	s.mu.RUnlock()
	if !known {
		return nil, errors.Newf("unknown feed handle %q", handle)
	}

	snapshotPath := s.snapshotPath(handle)
	data, err := os.ReadFile(snapshotPath)
	if os.IsNotExist(err) {
		return minimal, nil
	}
	if err != nil {
		return minimal, nil
	}

	var feed Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return minimal, nil
	}
	return &feed, nil
}

// StoreFeed atomically replaces the snapshot for feed.Handle, rotating
// any previous snapshot to `<handle>.feed.json.1` first.
func (s *Storage) StoreFeed(feed *Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFeedLocked(feed)
}

func (s *Storage) storeFeedLocked(feed *Feed) error {
	path := s.snapshotPath(feed.Handle)
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".1"); err != nil {
			return errors.Wrapf(err, "rotate snapshot for %s", feed.Handle)
		}
	}

	data, err := json.MarshalIndent(feed, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "marshal snapshot for %s", feed.Handle)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write snapshot for %s", feed.Handle)
	}
	return os.Rename(tmp, path)
}

func (s *Storage) snapshotPath(handle string) string {
	return filepath.Join(s.dir, handle+".feed.json")
}
