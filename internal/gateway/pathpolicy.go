package gateway

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// systemPathTail is always appended, in this order.
var systemPathTail = []string{"/usr/local/bin", "/usr/bin", "/bin"}

// ServicePath builds the reduced PATH used when the process runs as a
// service: the directory of one discovered interpreter binary, then the
// configured extras, then the fixed system tail, de-duplicated in order.
func ServicePath(extras []string) string {
	var entries []string

	if dir := interpreterDir(); dir != "" {
		entries = append(entries, dir)
	}
	entries = append(entries, extras...)
	entries = append(entries, systemPathTail...)

	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = filepath.Clean(e)
		if e == "" || e == "." || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return strings.Join(out, string(os.PathListSeparator))
}

// interpreterDir locates the directory of the first available scripting
// interpreter, so hook scripts keep working under the reduced PATH.
func interpreterDir() string {
	for _, name := range []string{"node", "python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			if resolved, err := filepath.EvalSymlinks(p); err == nil {
				p = resolved
			}
			return filepath.Dir(p)
		}
	}
	return ""
}
