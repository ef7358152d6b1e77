package recording

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// stalePartAge is how old an orphaned temp file must be before Sweep
// removes it. Live recordings never get near this; only crash leftovers
// do.
const stalePartAge = 24 * time.Hour

// Sweep prunes the recordings directory: the newest keep transcripts
// always survive, older ones are removed once they age past maxAge
// (maxAge 0 removes everything beyond keep). Orphaned temp files from
// crashed recordings are removed too. Returns how many files were
// deleted.
func Sweep(dir string, keep int, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type castFile struct {
		name string
		mod  time.Time
	}
	var casts []castFile
	removed := 0
	now := timeNow()

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		info, err := de.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".part") {
			if now.Sub(info.ModTime()) > stalePartAge {
				if os.Remove(filepath.Join(dir, name)) == nil {
					removed++
				}
			}
			continue
		}
		if !indexable(name) {
			continue
		}
		casts = append(casts, castFile{name: name, mod: info.ModTime()})
	}

	sort.Slice(casts, func(i, j int) bool { return casts[i].mod.After(casts[j].mod) })
	for i, cf := range casts {
		if i < keep {
			continue
		}
		if maxAge > 0 && now.Sub(cf.mod) <= maxAge {
			continue
		}
		if os.Remove(filepath.Join(dir, cf.name)) == nil {
			removed++
		}
	}
	return removed, nil
}
