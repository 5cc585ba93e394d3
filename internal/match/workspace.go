package match

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/viant/afs"
)

// workspace is the scratch directory one match runs in.
type workspace struct {
	dir         string
	programPath string
}

// prepareWorkspace creates <root>/<runID>/<id>_p<port> and copies the reference files and the
// submission program into it. A directory that cannot be created is fatal to the run
// (ErrScratchUnavailable), as is a failed copy; a missing submission is an *Error of kind
// SubmissionMissing. The submission lives in its own subdirectory so its file name cannot
// shadow a reference file.
func prepareWorkspace(ctx context.Context, fs afs.Service, root, runID, id string, port int, referenceDir, program string) (*workspace, error) {
	if err := worklist.ValidateID(id); err != nil {
		return nil, &Error{Kind: KindSubmissionMissing, Detail: err.Error()}
	}
	dir := filepath.Join(root, runID, fmt.Sprintf("%s_p%d", id, port))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScratchUnavailable, dir, err)
	}
	ws := &workspace{dir: dir}

	if program == "" {
		return ws, &Error{Kind: KindSubmissionMissing, Detail: "submission program not found"}
	}
	exists, err := fs.Exists(ctx, program)
	if err != nil || !exists {
		return ws, &Error{Kind: KindSubmissionMissing, Detail: fmt.Sprintf("submission program not found: %s", program)}
	}

	if referenceDir != "" {
		entries, err := os.ReadDir(referenceDir)
		if err != nil {
			return ws, fmt.Errorf("%w: read reference files: %v", ErrScratchUnavailable, err)
		}
		for _, entry := range entries {
			src := filepath.Join(referenceDir, entry.Name())
			if err := fs.Copy(ctx, src, filepath.Join(dir, entry.Name())); err != nil {
				return ws, fmt.Errorf("%w: copy reference file %s: %v", ErrScratchUnavailable, entry.Name(), err)
			}
		}
	}

	subDir := filepath.Join(dir, "submission")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		return ws, fmt.Errorf("%w: %s: %v", ErrScratchUnavailable, subDir, err)
	}
	ws.programPath = filepath.Join(subDir, filepath.Base(program))
	if err := fs.Copy(ctx, program, ws.programPath); err != nil {
		return ws, fmt.Errorf("%w: copy submission program: %v", ErrScratchUnavailable, err)
	}
	return ws, nil
}

func (w *workspace) logPath(name string) string {
	return filepath.Join(w.dir, name+".log")
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.dir)
}
