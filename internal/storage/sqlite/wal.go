package sqlite

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// walSidecars are the files SQLite keeps next to a WAL-mode database.
var walSidecars = []string{"-wal", "-shm"}

// filePath returns the on-disk path named by a DSN, or "" for in-memory
// databases.
func filePath(dsn string) string {
	p := dsn
	if rest, ok := strings.CutPrefix(dsn, "file:"); ok {
		u, err := url.Parse("file:" + rest)
		if err != nil {
			return ""
		}
		p = u.Path
		if p == "" {
			p = u.Opaque
		}
	}
	p, _, _ = strings.Cut(p, "?")
	if p == "" || p == ":memory:" {
		return ""
	}
	return p
}

// crashSymptom reports whether err looks like the result of sidecar files
// left by a process that died without checkpointing.
func crashSymptom(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"disk I/O error", "database is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// orphanedSidecars returns the sidecars of path that exist while no process
// has them open. Without lsof nothing is considered orphaned.
func orphanedSidecars(path string) []string {
	var present []string
	for _, suffix := range walSidecars {
		if _, err := os.Stat(path + suffix); err == nil {
			present = append(present, path+suffix)
		}
	}
	if len(present) == 0 {
		return nil
	}

	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return nil
	}
	out, err := exec.Command(lsof, append([]string{"-t", path}, present...)...).Output()
	var exit *exec.ExitError
	if err != nil && !errors.As(err, &exit) {
		return nil
	}
	// lsof exits 1 with no output when no process holds the files.
	if strings.TrimSpace(string(out)) != "" {
		return nil
	}
	return present
}

func removeSidecars(paths []string, logger *slog.Logger) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("sqlite: failed to remove orphaned WAL file", "path", p, "error", err)
		}
	}
}
