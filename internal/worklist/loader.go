package worklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Options controls how worklist rows are turned into items.
type Options struct {
	// SubmissionsDir is joined with folder_name when a row has no program_path
	SubmissionsDir string

	// ProgramFile is the entry file inside a submission folder (e.g. "student_agent.py")
	ProgramFile string

	// EligibleTypes restricts which submission types are played when eligibility is derived
	EligibleTypes []string

	// BoardSizes is the pool a board size is picked from when a row names none
	BoardSizes []string
}

// LoadFile reads a worklist CSV from disk.
func LoadFile(path string, opts Options) ([]*Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open worklist: %w", err)
	}
	defer f.Close()

	items, err := Load(f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load worklist %s: %w", path, err)
	}
	return items, nil
}

// Load parses a worklist CSV. The first row must be a header.
//
// Recognised columns:
//   - identifier (or folder_name): submission id, required and unique
//   - program_path: path to the submission program
//   - board_size: explicit board variant
//   - eligible: explicit eligibility flag
//   - status: prior status, empty means PENDING
//   - duplicate_of, forbidden_imports, type: cataloger output used when eligible is absent
//   - student_id: informational
func Load(r io.Reader, opts Options) ([]*Item, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("worklist is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	idCol := "identifier"
	if _, ok := cols[idCol]; !ok {
		idCol = "folder_name"
		if _, ok := cols[idCol]; !ok {
			return nil, fmt.Errorf("worklist header must contain 'identifier' or 'folder_name'")
		}
	}

	var items []*Item
	seen := make(map[string]bool)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		id := field(idCol)
		if id == "" {
			return nil, fmt.Errorf("line %d: empty %s", line, idCol)
		}
		if err := ValidateID(id); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("line %d: duplicate identifier %q", line, id)
		}
		seen[id] = true

		status, err := ParseStatus(field("status"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		// A RUNNING row can only come from a run that died mid-match.
		if status == StatusRunning {
			status = StatusPending
		}

		item := &Item{
			ID:          id,
			StudentID:   field("student_id"),
			Type:        field("type"),
			ProgramPath: field("program_path"),
			BoardSize:   field("board_size"),
			status:      status,
		}

		if item.ProgramPath == "" && opts.SubmissionsDir != "" {
			item.ProgramPath = filepath.Join(opts.SubmissionsDir, id, opts.ProgramFile)
		}
		if item.BoardSize == "" {
			item.BoardSize = PickBoardSize(id, opts.BoardSizes)
		}

		if raw := field("eligible"); raw != "" {
			eligible, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid eligible value %q", line, raw)
			}
			item.Eligible = eligible
			if !eligible {
				item.IneligibleReason = "marked ineligible by cataloger"
			}
		} else {
			item.Eligible, item.IneligibleReason = deriveEligibility(
				field("duplicate_of"), field("forbidden_imports"), item.Type, opts.EligibleTypes)
		}

		if item.Eligible && item.ProgramPath == "" {
			item.Eligible = false
			item.IneligibleReason = "no program path"
		}

		items = append(items, item)
	}

	return items, nil
}

// deriveEligibility applies the cataloger's rules when no explicit flag is present.
func deriveEligibility(duplicateOf, forbidden, subType string, eligibleTypes []string) (bool, string) {
	if duplicateOf != "" {
		return false, fmt.Sprintf("duplicate of %s", duplicateOf)
	}
	if forbidden != "" && !strings.EqualFold(forbidden, "NONE") {
		return false, fmt.Sprintf("forbidden imports: %s", forbidden)
	}
	if subType != "" && len(eligibleTypes) > 0 {
		for _, t := range eligibleTypes {
			if strings.EqualFold(t, subType) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%s submission (not supported)", subType)
	}
	return true, ""
}

// PickBoardSize deterministically maps an identifier onto one of the board sizes.
// The same identifier always gets the same board across runs.
func PickBoardSize(id string, sizes []string) string {
	if len(sizes) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return sizes[h.Sum32()%uint32(len(sizes))]
}

// ValidateID rejects identifiers that cannot name a single directory under the scratch
// root.
func ValidateID(id string) error {
	if id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}

// ApplyStored overlays statuses recorded by a previous run onto freshly loaded items.
// COMPLETED and SKIPPED stick. ERROR and TIMEOUT stick unless retryFailed is set,
// in which case the item is attempted again.
// Returns the number of failed items that were put back to PENDING.
func ApplyStored(items []*Item, stored map[string]Status, retryFailed bool) int {
	retried := 0
	for _, item := range items {
		st, ok := stored[item.ID]
		if !ok || !st.IsTerminal() {
			continue
		}
		if retryFailed && (st == StatusError || st == StatusTimeout) {
			st = StatusPending
			retried++
		}
		item.mu.Lock()
		item.status = st
		item.mu.Unlock()
	}
	return retried
}

// Counts tallies items by status.
func Counts(items []*Item) map[Status]int {
	counts := make(map[Status]int)
	for _, item := range items {
		counts[item.Status()]++
	}
	return counts
}
