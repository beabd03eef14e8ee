package forge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TitlePrefix marks remote artifacts created by this tool. Only titles
// carrying the prefix are ever considered (or closed) by the engine;
// everything else on the repository is left alone.
const TitlePrefix = "PW_S_ID"

var titlePattern = regexp.MustCompile(`(?i)^\[` + TitlePrefix + `:(\d+)\]`)

// FormatTitle builds the artifact title for a series.
func FormatTitle(id int, name string) string {
	return fmt.Sprintf("[%s:%d] %s", TitlePrefix, id, name)
}

// ExtractSeriesID parses the leading [PW_S_ID:<id>] marker out of an
// artifact title. The second return is false when the title does not start
// with the marker; such artifacts do not belong to this tool.
func ExtractSeriesID(title string) (int, bool) {
	m := titlePattern.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// ContainsSeries reports whether any artifact title carries the exact
// PW_S_ID:<id> token. The search is case-insensitive and position
// independent, but the token must not be a prefix of a longer ID
// (PW_S_ID:1 never matches PW_S_ID:12).
func ContainsSeries(artifacts []Artifact, id int) bool {
	token := strings.ToLower(fmt.Sprintf("%s:%d", TitlePrefix, id))
	for _, a := range artifacts {
		if containsToken(strings.ToLower(a.Title), token) {
			return true
		}
	}
	return false
}

func containsToken(title, token string) bool {
	for i := 0; ; {
		j := strings.Index(title[i:], token)
		if j < 0 {
			return false
		}
		end := i + j + len(token)
		if end == len(title) || title[end] < '0' || title[end] > '9' {
			return true
		}
		i = i + j + 1
	}
}
