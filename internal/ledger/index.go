package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// Filter narrows index queries
type Filter struct {
	EpicID  string
	Stage   types.WorkflowStage
	Success *bool
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func rowFor(entry *types.LedgerEntry) types.IndexRow {
	usage := entry.TotalUsage()
	row := types.IndexRow{
		TaskID:    entry.TaskID,
		Title:     entry.Snapshot.Title,
		EpicID:    entry.Snapshot.EpicID,
		Attempts:  len(entry.Attempts),
		Tokens:    usage.Tokens,
		CostUnits: usage.CostUnits,
		Stage:     entry.Stage,
	}
	if entry.Outcome != nil {
		row.Success = entry.Outcome.Success
		row.FinalizedAt = entry.Outcome.FinalizedAt
	}
	return row
}

// appendIndex adds one line to the flat index file. The index is derived
// state: if this write is lost or torn, RebuildIndex recovers it from the
// entries themselves.
func (s *Store) appendIndex(row types.IndexRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling index row: %w", err)
	}

	f, err := os.OpenFile(s.indexPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending index row: %w", err)
	}
	return nil
}

// Query returns finalized-entry summaries matching the filter without
// loading full entries
func (s *Store) Query(filter Filter) ([]types.IndexRow, error) {
	rows, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	var out []types.IndexRow
	for _, row := range rows {
		if filter.EpicID != "" && row.EpicID != filter.EpicID {
			continue
		}
		if filter.Stage != "" && row.Stage != filter.Stage {
			continue
		}
		if filter.Success != nil && row.Success != *filter.Success {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) loadIndex() ([]types.IndexRow, error) {
	f, err := os.Open(s.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	var rows []types.IndexRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row types.IndexRow
		if err := json.Unmarshal(line, &row); err != nil {
			// Torn trailing line from a crashed append; the rebuild
			// path is authoritative, so skip it here.
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	return rows, nil
}

// RebuildIndex regenerates the index file by scanning all entries.
// Returns the number of rows written. This is the recovery path when the
// index is lost or corrupted.
func (s *Store) RebuildIndex() (int, error) {
	entries, err := s.Scan()
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.root, indexFileName+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	count := 0
	for _, entry := range entries {
		if !entry.Terminal() {
			continue
		}
		data, err := json.Marshal(rowFor(entry))
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("marshaling index row: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
		count++
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.indexPath()); err != nil {
		return 0, fmt.Errorf("replacing index: %w", err)
	}
	return count, nil
}
