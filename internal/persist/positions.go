package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"apex-engine/internal/domain"
)

// positionsPath returns {dataDir}/positions_{accountID}.json.
func positionsPath(dataDir, accountID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("positions_%s.json", accountID))
}

// SavePositions atomically snapshots one account's open positions. The
// snapshot is advisory: the broker stays the source of truth and
// reconciliation re-adopts anything the file missed, but a snapshot that
// survives a restart preserves real entry prices that adoption would
// otherwise replace with the aggressive current*1.01 seed.
func SavePositions(dataDir, accountID string, positions []*domain.Position) error {
	return WriteJSONAtomic(positionsPath(dataDir, accountID), positions)
}

// LoadPositions reads an account's last snapshot. A missing file returns
// (nil, nil): a fresh account simply has no snapshot yet.
func LoadPositions(dataDir, accountID string) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := ReadJSON(positionsPath(dataDir, accountID), &positions)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load positions for %s: %w", accountID, err)
	}
	return positions, nil
}
