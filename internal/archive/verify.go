package archive

import "sort"

// VerifyReport lists the inconsistencies between the index and the blob
// directory.
type VerifyReport struct {
	Files        int64
	OrphanBlobs  []string // blobs with no index row
	MissingBlobs []string // index rows with no blob
}

func (r *VerifyReport) Clean() bool {
	return len(r.OrphanBlobs) == 0 && len(r.MissingBlobs) == 0
}

// Verify cross-checks every index row against the blob directory and
// reports the differences. Nothing is repaired: orphan blobs are
// replaced by the next add of the same run, and a missing blob means the
// file has to be archived again.
func (a *Archive) Verify() (*VerifyReport, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	indexed, err := a.index.FileNames()
	if err != nil {
		return nil, err
	}
	stored, err := a.blobs.List()
	if err != nil {
		return nil, err
	}

	inIndex := make(map[string]bool, len(indexed))
	for _, name := range indexed {
		inIndex[name] = true
	}
	onDisk := make(map[string]bool, len(stored))
	for _, name := range stored {
		onDisk[name] = true
	}

	report := &VerifyReport{Files: int64(len(indexed))}
	for _, name := range stored {
		if !inIndex[name] {
			report.OrphanBlobs = append(report.OrphanBlobs, name)
		}
	}
	for _, name := range indexed {
		if !onDisk[name] {
			report.MissingBlobs = append(report.MissingBlobs, name)
		}
	}
	sort.Strings(report.OrphanBlobs)
	sort.Strings(report.MissingBlobs)

	return report, nil
}

// Compact reclaims the space left behind by removed index rows.
func (a *Archive) Compact() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Compact()
}
