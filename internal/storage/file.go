package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

// fileStore is a MemoryStore persisted to plain files.
//
// Files:
//   - <prefix>.snapshot.json          (periodic full snapshot)
//   - <prefix>.journal.jsonl          (mutations since the last snapshot)
//   - <prefix>.distribution.jsonl     (append-only distribution log, never compacted)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*MemoryStore
	log logx.Logger

	closeOnce sync.Once

	snapshotPath string
	journal      *os.File
	distLog      *os.File

	writes       int
	compactEvery int
}

type journalRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		MemoryStore:  NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 500,
	}
	st := fs.MemoryStore.st
	if err := loadSnapshot(fs.snapshotPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot load failed", logx.String("path", fs.snapshotPath), logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}
	distPath := prefix + ".distribution.jsonl"
	if err := replayDistribution(distPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("distribution log replay failed", logx.String("path", distPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	df, err := os.OpenFile(distPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	fs.journal = jf
	fs.distLog = df
	fs.MemoryStore.onWrite = fs.persistLocked

	log.Info("file store opened",
		logx.String("prefix", prefix),
		logx.Int("entries", len(st.Entries)),
		logx.Int("logs", len(st.Logs)),
	)
	return fs, nil
}

// persistLocked runs with the memory store's write lock held.
func (s *fileStore) persistLocked(kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if kind == "distribution_log" {
		if s.distLog == nil {
			return ErrClosed
		}
		_, err = s.distLog.Write(append(raw, '\n'))
		return err
	}
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Kind: kind, Data: raw}); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.MemoryStore.mu.Lock()
		defer s.MemoryStore.mu.Unlock()
		s.MemoryStore.closed = true
		if s.journal != nil {
			err = s.compactLocked()
			err = errors.Join(err, s.journal.Close())
			s.journal = nil
		}
		if s.distLog != nil {
			err = errors.Join(err, s.distLog.Close())
			s.distLog = nil
		}
	})
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.MemoryStore.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap memState
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Entries {
		out.Entries[k] = v
	}
	for k, v := range snap.Evergreen {
		out.Evergreen[k] = v
	}
	for k, v := range snap.Configs {
		out.Configs[k] = v
	}
	out.Patterns = append(out.Patterns, snap.Patterns...)
	out.Perf = append(out.Perf, snap.Perf...)
	out.Changes = append(out.Changes, snap.Changes...)
	return nil
}

func replayJournal(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}

func applyRecord(st *memState, r journalRecord) {
	switch r.Kind {
	case "entry":
		var e domain.QueueEntry
		if json.Unmarshal(r.Data, &e) == nil && e.ID != "" {
			st.Entries[e.ID] = &e
		}
	case "audience_pattern":
		var p domain.AudiencePattern
		if json.Unmarshal(r.Data, &p) == nil {
			st.Patterns = append(st.Patterns, p)
		}
	case "performance":
		var p domain.PerformanceRecord
		if json.Unmarshal(r.Data, &p) == nil {
			st.Perf = append(st.Perf, p)
		}
	case "algorithm_change":
		var c domain.AlgorithmChange
		if json.Unmarshal(r.Data, &c) != nil {
			return
		}
		for i := range st.Changes {
			if st.Changes[i].ID == c.ID {
				st.Changes[i] = c
				return
			}
		}
		st.Changes = append(st.Changes, c)
	case "evergreen":
		var e domain.EvergreenRecord
		if json.Unmarshal(r.Data, &e) == nil {
			st.Evergreen[e.ContentID] = e
		}
	case "platform_config":
		var c domain.PlatformConfig
		if json.Unmarshal(r.Data, &c) == nil {
			st.Configs[configKey(c.UserID, c.Platform)] = c
		}
	}
}

func replayDistribution(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var l domain.DistributionLog
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		out.Logs = append(out.Logs, l)
	}
	return sc.Err()
}
