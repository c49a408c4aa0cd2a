package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hatchpad/runway/pkg/schema"
)

// RunStore is the persistence contract for workflow runs.
// All implementations must be safe for concurrent use.
type RunStore interface {
	// Save persists the full run record and refreshes LastCheckpoint,
	// creating the run's storage location if absent.
	Save(ctx context.Context, run *WorkflowRun) error

	// Load returns the run record or a NOT_FOUND error.
	Load(ctx context.Context, runID string) (*WorkflowRun, error)

	// Snapshot writes an immutable copy of the definition alongside the run
	// so its behavior stays reproducible if the live definition changes.
	Snapshot(ctx context.Context, runID string, def *schema.WorkflowDefinition) error

	// LoadSnapshot returns the definition pinned at start time.
	LoadSnapshot(ctx context.Context, runID string) (*schema.WorkflowDefinition, error)

	// List returns full records matching the filter.
	List(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// ListMeta returns the reduced metadata projection matching the filter.
	ListMeta(ctx context.Context, filter RunFilter) ([]*RunMeta, error)
}

const (
	runFileName      = "run.json"
	snapshotFileName = "workflow.json"
)

// FileRunStore persists each run as a directory under root, keyed by run id.
// The directory holds the full run record and the definition snapshot.
type FileRunStore struct {
	root   string
	logger *slog.Logger
}

// NewFileRunStore creates the root directory if needed and returns the store.
func NewFileRunStore(root string, logger *slog.Logger) (*FileRunStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run store root: %s", err.Error()).WithCause(err)
	}
	return &FileRunStore{root: root, logger: logger}, nil
}

// Root returns the store's base directory.
func (s *FileRunStore) Root() string { return s.root }

func (s *FileRunStore) runDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Save persists the run record atomically (temp file + rename) and bumps
// LastCheckpoint. The checkpoint never moves backwards.
func (s *FileRunStore) Save(ctx context.Context, run *WorkflowRun) error {
	if err := schema.ValidateRunID(run.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if now.After(run.LastCheckpoint) {
		run.LastCheckpoint = now
	}

	dir := s.runDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run dir: %s", err.Error()).WithCause(err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal run %s: %s", run.ID, err.Error()).WithCause(err)
	}
	return atomicWrite(filepath.Join(dir, runFileName), data)
}

// Load reads the run record by id.
func (s *FileRunStore) Load(ctx context.Context, runID string) (*WorkflowRun, error) {
	if err := schema.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.runDir(runID), runFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read run %s: %s", runID, err.Error()).WithCause(err)
	}

	run := &WorkflowRun{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode run %s: %s", runID, err.Error()).WithCause(err)
	}
	return run, nil
}

// Snapshot writes the immutable definition copy for the run.
func (s *FileRunStore) Snapshot(ctx context.Context, runID string, def *schema.WorkflowDefinition) error {
	if err := schema.ValidateRunID(runID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run dir: %s", err.Error()).WithCause(err)
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal definition snapshot: %s", err.Error()).WithCause(err)
	}
	return atomicWrite(filepath.Join(dir, snapshotFileName), data)
}

// LoadSnapshot reads the definition pinned at run start.
func (s *FileRunStore) LoadSnapshot(ctx context.Context, runID string) (*schema.WorkflowDefinition, error) {
	if err := schema.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.runDir(runID), snapshotFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition snapshot not found for run: %s", runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read snapshot for run %s: %s", runID, err.Error()).WithCause(err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode snapshot for run %s: %s", runID, err.Error()).WithCause(err)
	}
	return def, nil
}

// List returns full run records matching the filter. Directories that do not
// satisfy the safe-id pattern, and records that fail to decode, are skipped
// with a warning rather than failing the listing.
func (s *FileRunStore) List(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	ids, err := s.listIDs(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable run record",
				slog.String("run_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if filter.Matches(run.Meta()) {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// ListMeta returns the metadata projection of runs matching the filter.
func (s *FileRunStore) ListMeta(ctx context.Context, filter RunFilter) ([]*RunMeta, error) {
	runs, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	metas := make([]*RunMeta, 0, len(runs))
	for _, run := range runs {
		metas = append(metas, run.Meta())
	}
	return metas, nil
}

func (s *FileRunStore) listIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read run store root: %s", err.Error()).WithCause(err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !schema.SafeID(e.Name()) {
			s.logger.Warn("ignoring directory with unsafe name in run store", slog.String("name", e.Name()))
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over the destination so readers never observe a partial record.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create temp file: %s", err.Error()).WithCause(err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if werr != nil || serr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeStore, "write %s: %s", filepath.Base(path), fmt.Sprint(errors.Join(werr, serr, cerr)))
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return schema.NewErrorf(schema.ErrCodeStore, "replace %s: %s", filepath.Base(path), err.Error()).WithCause(err)
	}
	return nil
}

var _ RunStore = (*FileRunStore)(nil)
