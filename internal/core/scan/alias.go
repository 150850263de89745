package scan

import (
	"bufio"
	"os"
	"sort"
	"strings"
)

// AliasTable maps mount-alias prefixes onto their canonical paths so the
// same tree is never indexed twice under two names. On macOS the pairs come
// from the firmlink table; elsewhere the table is empty and Normalize is
// the identity.
type AliasTable struct {
	pairs []aliasPair
}

type aliasPair struct {
	alias string // e.g. /System/Volumes/Data/Users
	canon string // e.g. /Users
}

const firmlinksFile = "/usr/share/firmlinks"

// LoadSystemAliases reads the platform mount-alias table. A missing or
// unreadable table is simply empty.
func LoadSystemAliases() *AliasTable {
	t := &AliasTable{}
	f, err := os.Open(firmlinksFile)
	if err != nil {
		return t
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// Lines read "<canonical>\t<relative-under-data-volume>".
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		canon, rel, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		canon = strings.TrimSpace(canon)
		rel = strings.TrimSpace(rel)
		if canon == "" || rel == "" {
			continue
		}
		t.pairs = append(t.pairs, aliasPair{
			alias: "/System/Volumes/Data/" + strings.TrimPrefix(rel, "/"),
			canon: canon,
		})
	}
	t.sorted()
	return t
}

// NewAliasTable builds a table from explicit alias -> canonical pairs.
func NewAliasTable(pairs map[string]string) *AliasTable {
	t := &AliasTable{}
	for alias, canon := range pairs {
		t.pairs = append(t.pairs, aliasPair{alias: alias, canon: canon})
	}
	t.sorted()
	return t
}

// sorted orders longest alias first so nested aliases resolve correctly.
func (t *AliasTable) sorted() {
	sort.Slice(t.pairs, func(i, j int) bool {
		return len(t.pairs[i].alias) > len(t.pairs[j].alias)
	})
}

// Normalize rewrites path onto its canonical form if it sits under an
// alias. Matching is segment-aware: /foo-bar never matches alias /foo.
func (t *AliasTable) Normalize(path string) string {
	if t == nil {
		return path
	}
	for _, p := range t.pairs {
		if path == p.alias {
			return p.canon
		}
		if strings.HasPrefix(path, p.alias+"/") {
			return p.canon + path[len(p.alias):]
		}
	}
	return path
}

// IsAliasPath reports whether path lives under some alias prefix, meaning a
// scan reaching it would duplicate the canonical tree.
func (t *AliasTable) IsAliasPath(path string) bool {
	if t == nil {
		return false
	}
	for _, p := range t.pairs {
		if path == p.alias || strings.HasPrefix(path, p.alias+"/") {
			return true
		}
	}
	return false
}
