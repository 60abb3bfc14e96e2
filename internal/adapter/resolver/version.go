package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

var (
	requestRe = regexp.MustCompile(`^\d+(\.\d+){0,2}$`)
	exactRe   = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// IsExact reports whether requested already names one release.
func IsExact(requested string) bool {
	return exactRe.MatchString(strings.TrimSpace(requested))
}

// ValidateRequest checks a version request. Accepted forms are "", "latest",
// a major ("16"), a major.minor ("16.2") or a full version ("16.2.0").
func ValidateRequest(requested string) error {
	r := strings.ToLower(strings.TrimSpace(requested))
	if r == "" || r == "latest" || requestRe.MatchString(r) {
		return nil
	}
	return fmt.Errorf("invalid version %q: expected a release like 16, 16.2, 16.2.0, or \"latest\"", requested)
}

// SelectVersion picks the newest release in available that satisfies requested.
// Pre-releases are only chosen when asked for exactly.
func SelectVersion(requested string, available []string) (string, error) {
	if err := ValidateRequest(requested); err != nil {
		return "", err
	}
	r := strings.ToLower(strings.TrimSpace(requested))

	var want []int
	if r != "" && r != "latest" {
		v, err := version.NewVersion(r)
		if err != nil {
			return "", fmt.Errorf("parse version %q: %w", requested, err)
		}
		want = v.Segments()[:strings.Count(r, ".")+1]
	}

	var candidates version.Collection
	for _, a := range available {
		v, err := version.NewVersion(a)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if matchesPrefix(v.Segments(), want) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		if r == "" {
			r = "latest"
		}
		return "", fmt.Errorf("no published release matches %q", r)
	}
	sort.Sort(candidates)
	return candidates[len(candidates)-1].Original(), nil
}

func matchesPrefix(segments, prefix []int) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}
