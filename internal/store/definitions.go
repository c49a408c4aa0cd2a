package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hatchpad/runway/pkg/schema"
)

// FileDefinitionStore loads workflow definitions from a directory of JSON
// files, one per workflow, named <workflow_id>.json.
type FileDefinitionStore struct {
	dir string
}

// NewFileDefinitionStore creates a definition store over the directory.
func NewFileDefinitionStore(dir string) *FileDefinitionStore {
	return &FileDefinitionStore{dir: dir}
}

// Load reads and decodes the definition for the workflow.
func (s *FileDefinitionStore) Load(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	if !schema.SafeID(workflowID) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsafe workflow id: %q", workflowID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, workflowID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}
	if def.ID == "" {
		def.ID = workflowID
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps", workflowID)
	}
	return def, nil
}
