package replicator

import "strings"

// Filter decides which databases/tables are replicated. Patterns use a
// single trailing '*' as a suffix wildcard.
type Filter struct {
	includeDBs    []string
	excludeDBs    []string
	includeTables []string // "db.table" or "db.*"
	excludeTables []string
}

// NewFilter builds a Filter from include/exclude database and table glob
// lists. An empty include list means "everything not excluded."
func NewFilter(includeDBs, excludeDBs, includeTables, excludeTables []string) *Filter {
	return &Filter{includeDBs: includeDBs, excludeDBs: excludeDBs, includeTables: includeTables, excludeTables: excludeTables}
}

// Allows reports whether database.table should be replicated.
func (f *Filter) Allows(database, table string) bool {
	if f == nil {
		return true
	}
	qualified := database + "." + table
	for _, pat := range f.excludeTables {
		if matchGlob(pat, qualified) {
			return false
		}
	}
	for _, pat := range f.excludeDBs {
		if matchGlob(pat, database) {
			return false
		}
	}
	if len(f.includeDBs) > 0 {
		ok := false
		for _, pat := range f.includeDBs {
			if matchGlob(pat, database) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.includeTables) > 0 {
		ok := false
		for _, pat := range f.includeTables {
			if matchGlob(pat, qualified) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AllowsDatabase reports whether any table in database could be allowed.
// The replicator uses it to skip applying DDL deltas for databases that
// are filtered out wholesale.
func (f *Filter) AllowsDatabase(database string) bool {
	if f == nil {
		return true
	}
	for _, pat := range f.excludeDBs {
		if matchGlob(pat, database) {
			return false
		}
	}
	if len(f.includeDBs) == 0 {
		return true
	}
	for _, pat := range f.includeDBs {
		if matchGlob(pat, database) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, value string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}
