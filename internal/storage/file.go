package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	txDirName    = "_tx"
	stageDirName = "_tx_stage"

	txStatePrepared  = "prepared"
	txStateCommitted = "committed"
	txStateApplied   = "applied"
)

// errCrash simulates a process kill at a durable step. Only set by tests.
var errCrash = errors.New("storage: simulated crash")

// FileStore persists each document as a JSON file under root. Multi-key
// transactions write a WAL record under _tx/ and stage new contents under
// _tx_stage/<txid>/ so that an interrupted commit can be finished or
// discarded on the next Open.
type FileStore struct {
	root   string
	logger *slog.Logger
	locks  *keyLocks

	// crashAt aborts a transaction immediately after the named durable
	// step ("prepared", "staged", "committed"). Test hook.
	crashAt string
}

// OpenFile opens (or creates) a file-backed store rooted at dir and runs
// transaction recovery.
func OpenFile(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		root:   dir,
		logger: logger.With("component", "storage"),
		locks:  newKeyLocks(),
	}
	for _, sub := range []string{"", txDirName, stageDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", sub, err)
		}
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close implements Store. The file backend holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) keyPath(key Key) string {
	return filepath.Join(s.root, filepath.Join([]string(key)...)+".json")
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	p := key.String()
	s.locks.RLock(p)
	defer s.locks.RUnlock(p)
	return s.readLocked(key)
}

func (s *FileStore) readLocked(key Key) (json.RawMessage, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return json.RawMessage(data), nil
}

// Write implements Store.
func (s *FileStore) Write(ctx context.Context, key Key, value json.RawMessage) error {
	if err := key.Validate(); err != nil {
		return err
	}
	p := key.String()
	s.locks.Lock(p)
	defer s.locks.Unlock(p)
	return s.writeLocked(key, value)
}

func (s *FileStore) writeLocked(key Key, value json.RawMessage) error {
	target := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", key, err)
	}
	if err := atomicWrite(target, value, durableNamespaces[key[0]]); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

// Update implements Store. The mutator sees nil for an absent key.
func (s *FileStore) Update(ctx context.Context, key Key, mutate func(json.RawMessage) (json.RawMessage, error)) error {
	if err := key.Validate(); err != nil {
		return err
	}
	p := key.String()
	s.locks.Lock(p)
	defer s.locks.Unlock(p)

	prev, err := s.readLocked(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := mutate(prev)
	if err != nil {
		return err
	}
	return s.writeLocked(key, next)
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	p := key.String()
	s.locks.Lock(p)
	defer s.locks.Unlock(p)

	err := os.Remove(s.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	dir := s.root
	if len(prefix) > 0 {
		if err := prefix.Validate(); err != nil {
			return nil, err
		}
		dir = filepath.Join(s.root, filepath.Join([]string(prefix)...))
	}

	var keys []Key
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == txDirName || d.Name() == stageDirName {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		keys = append(keys, ParseKey(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// txRecord is the WAL entry for one transaction.
type txRecord struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Ops   []txOp `json:"ops"`
}

type txOp struct {
	Type OpType `json:"type"`
	Key  Key    `json:"key"`
	// Staged names the file under _tx_stage/<txid>/ holding the new
	// content for a put.
	Staged string `json:"staged,omitempty"`
}

func (s *FileStore) txPath(id string) string {
	return filepath.Join(s.root, txDirName, id+".json")
}

func (s *FileStore) stageDir(id string) string {
	return filepath.Join(s.root, stageDirName, id)
}

func (s *FileStore) writeTxRecord(rec *txRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return atomicWrite(s.txPath(rec.ID), data, true)
}

// Transaction implements Store. Locks are taken in sorted key order.
func (s *FileStore) Transaction(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(ops))
	for _, op := range ops {
		if err := op.Key.Validate(); err != nil {
			return err
		}
		keys = append(keys, op.Key)
	}
	unlock := s.locks.LockAll(keys)
	defer unlock()

	rec := &txRecord{ID: uuid.NewString(), State: txStatePrepared}
	for i, op := range ops {
		top := txOp{Type: op.Type, Key: op.Key}
		if op.Type == OpPut {
			top.Staged = fmt.Sprintf("%d.json", i)
		}
		rec.Ops = append(rec.Ops, top)
	}

	if err := s.writeTxRecord(rec); err != nil {
		return fmt.Errorf("storage: tx prepare: %w", err)
	}
	if s.crashAt == txStatePrepared {
		return errCrash
	}

	stage := s.stageDir(rec.ID)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("storage: tx stage: %w", err)
	}
	for i, op := range ops {
		if op.Type != OpPut {
			continue
		}
		if err := atomicWrite(filepath.Join(stage, rec.Ops[i].Staged), op.Value, true); err != nil {
			return fmt.Errorf("storage: tx stage %s: %w", op.Key, err)
		}
	}
	if s.crashAt == "staged" {
		return errCrash
	}

	rec.State = txStateCommitted
	if err := s.writeTxRecord(rec); err != nil {
		return fmt.Errorf("storage: tx commit: %w", err)
	}
	if s.crashAt == txStateCommitted {
		return errCrash
	}

	if err := s.applyTx(rec); err != nil {
		return fmt.Errorf("storage: tx apply: %w", err)
	}
	s.cleanupTx(rec.ID)
	return nil
}

// applyTx moves staged puts into place and performs deletes. It is
// idempotent: a staged file that is already gone is treated as applied.
func (s *FileStore) applyTx(rec *txRecord) error {
	stage := s.stageDir(rec.ID)
	for _, op := range rec.Ops {
		target := s.keyPath(op.Key)
		switch op.Type {
		case OpPut:
			staged := filepath.Join(stage, op.Staged)
			if _, err := os.Stat(staged); errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Rename(staged, target); err != nil {
				return err
			}
			if durableNamespaces[op.Key[0]] {
				syncDir(filepath.Dir(target))
			}
		case OpDelete:
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	rec.State = txStateApplied
	return s.writeTxRecord(rec)
}

func (s *FileStore) cleanupTx(id string) {
	if err := os.RemoveAll(s.stageDir(id)); err != nil {
		s.logger.Warn("failed to remove tx stage", "tx", id, "error", err)
	}
	if err := os.Remove(s.txPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove tx record", "tx", id, "error", err)
	}
}

// recover finishes committed transactions and discards the rest.
// Records in "committed" state are re-applied idempotently; "prepared"
// and "applied" records are dropped along with their staging artefacts.
func (s *FileStore) recover() error {
	entries, err := os.ReadDir(filepath.Join(s.root, txDirName))
	if err != nil {
		return fmt.Errorf("storage: scan tx log: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(s.txPath(id))
		if err != nil {
			s.logger.Warn("unreadable tx record discarded", "tx", id, "error", err)
			s.cleanupTx(id)
			continue
		}
		var rec txRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("corrupt tx record discarded", "tx", id, "error", err)
			s.cleanupTx(id)
			continue
		}
		switch rec.State {
		case txStateCommitted:
			s.logger.Info("recovering committed transaction", "tx", id, "ops", len(rec.Ops))
			if err := s.applyTx(&rec); err != nil {
				return fmt.Errorf("storage: recover tx %s: %w", id, err)
			}
			s.cleanupTx(id)
		default:
			s.logger.Info("discarding incomplete transaction", "tx", id, "state", rec.State)
			s.cleanupTx(id)
		}
	}
	// Orphaned stage dirs from discarded transactions.
	stages, err := os.ReadDir(filepath.Join(s.root, stageDirName))
	if err != nil {
		return nil
	}
	for _, e := range stages {
		if _, err := os.Stat(s.txPath(e.Name())); errors.Is(err, fs.ErrNotExist) {
			os.RemoveAll(filepath.Join(s.root, stageDirName, e.Name()))
		}
	}
	return nil
}

// atomicWrite writes data to a temp file in the target's directory,
// fsyncs it, and renames it over the target. When durable, the parent
// directory is fsynced as well so the rename survives a crash.
func atomicWrite(target string, data []byte, durable bool) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	if durable {
		syncDir(dir)
	}
	return nil
}

// syncDir fsyncs a directory; best effort on platforms where directory
// fsync is not supported.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
