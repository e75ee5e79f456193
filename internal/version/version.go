// Package version implements the startup version & lifecycle guard: it
// reads the persisted (major, minor, patch) triple at the database root,
// compares it against the running binary, and decides whether batches may
// be created.
package version

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/cuemby/sift/internal/sifterr"
	"github.com/cuemby/sift/internal/tasks"
)

// Current is the running binary's version triple.
var Current = tasks.Version{Major: 0, Minor: 1, Patch: 0}

const versionFile = "version"

// Guard holds the outcome of comparing the persisted version against
// Current, consulted by the scheduler before creating any batch other than
// a task cancellation or a database upgrade.
type Guard struct {
	Persisted     tasks.Version
	AutoUpgrade   bool
	mismatch      bool
	needsMigration []tasks.Version
}

// Load reads <dbRoot>/version. If absent and the database root is empty
// (no tasks/ subdirectory yet), it writes Current and returns a
// no-mismatch guard. autoUpgrade controls whether a version difference is
// tolerated (and migrated) or treated as fatal for batch creation.
func Load(dbRoot string, autoUpgrade bool) (*Guard, error) {
	path := filepath.Join(dbRoot, versionFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		empty, err := isEmptyDBRoot(dbRoot)
		if err != nil {
			return nil, err
		}
		if empty {
			if err := write(path, Current); err != nil {
				return nil, err
			}
			return &Guard{Persisted: Current, AutoUpgrade: autoUpgrade}, nil
		}
		return nil, sifterr.Internal("version_file_missing", "database root is non-empty but has no version file", nil)
	}
	if err != nil {
		return nil, sifterr.Internal("version_read_failed", "reading version file", err)
	}

	var persisted tasks.Version
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, sifterr.Internal("version_corrupted", "decoding version file", err)
	}

	g := &Guard{Persisted: persisted, AutoUpgrade: autoUpgrade}
	if persisted != Current {
		if persisted.Major > Current.Major || (persisted.Major == Current.Major && persisted.Minor > Current.Minor) {
			return nil, sifterr.Conflict("downgrade_not_allowed", "persisted database version is newer than this binary")
		}
		g.mismatch = true
		g.needsMigration = intermediateMinors(persisted, Current)
	}
	return g, nil
}

func isEmptyDBRoot(dbRoot string) (bool, error) {
	_, err := os.Stat(filepath.Join(dbRoot, "tasks"))
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func write(path string, v tasks.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// intermediateMinors enumerates each minor version between from and to
// (inclusive of to), the migration steps an upgrade must apply in order.
func intermediateMinors(from, to tasks.Version) []tasks.Version {
	var steps []tasks.Version
	if from.Major != to.Major {
		return []tasks.Version{to}
	}
	for minor := from.Minor + 1; minor <= to.Minor; minor++ {
		steps = append(steps, tasks.Version{Major: to.Major, Minor: minor, Patch: 0})
	}
	if len(steps) == 0 || steps[len(steps)-1] != to {
		steps = append(steps, to)
	}
	return steps
}

// Mismatched reports whether the persisted version differs from Current.
func (g *Guard) Mismatched() bool { return g.mismatch }

// BlocksBatching reports whether the scheduler refuses to create batches
// other than task cancellations and database upgrades: a mismatch exists
// and auto-upgrade is not active.
func (g *Guard) BlocksBatching() bool {
	return g.mismatch && !g.AutoUpgrade
}

// MigrationSteps returns the ordered intermediate versions an
// upgradeDatabase task must step through.
func (g *Guard) MigrationSteps() []tasks.Version {
	return g.needsMigration
}

// Advance persists Current as the new version once an upgrade task has
// successfully migrated the database.
func (g *Guard) Advance(dbRoot string) error {
	if err := write(filepath.Join(dbRoot, versionFile), Current); err != nil {
		return err
	}
	g.Persisted = Current
	g.mismatch = false
	g.needsMigration = nil
	return nil
}
