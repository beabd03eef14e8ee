package reconcile

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/tedd-an/action-patchwork-to-pr/internal/series"
)

// prBody builds the pull request body for a series: the cover letter when
// one exists, otherwise the first patch's commit message body.
func (r *Reconciler) prBody(dir series.Dir, patches []string) (string, error) {
	path := patches[0]
	if cover, ok := r.source.CoverLetterPath(dir); ok {
		path = cover
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return CommitBody(f)
}

// CommitBody extracts the commit message body from an mbox-formatted patch
// or cover letter: the lines strictly between the first blank line (the end
// of the mail headers) and the diffstat delimiter, a line starting with
// "---". Surrounding whitespace is trimmed.
func CommitBody(r io.Reader) (string, error) {
	var b strings.Builder
	inBody := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !inBody {
			if trimmed == "" {
				inBody = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "---") {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return strings.TrimSpace(b.String()), nil
}
