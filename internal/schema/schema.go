// Package schema embeds the engine's migrations as data and parses them
// into an ordered sequence internal/migrate can apply. The SQL lives in
// files instead of Go string literals so a schema change is a new numbered
// file, not a diff inside a constant.
package schema

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one schema change: a monotonically increasing id, the
// engine version it was introduced in (informational, surfaced by
// migration_records), and the SQL script to execute.
type Migration struct {
	ID                int
	IntroducedVersion string
	SQL               string
}

var filenameRE = regexp.MustCompile(`^(\d+)_.+\.sql$`)
var introducedVersionRE = regexp.MustCompile(`(?m)^--\s*introduced_version:\s*(\S+)\s*$`)

// Load reads and parses every embedded migration file, sorted by id
// ascending. It panics on a malformed embedded migration: that's a build
// defect, not a runtime condition callers can recover from.
func Load() []Migration {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		panic(fmt.Sprintf("schema: reading embedded migrations: %v", err))
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		m := filenameRE.FindStringSubmatch(entry.Name())
		if m == nil {
			panic(fmt.Sprintf("schema: migration filename %q doesn't match NNNN_name.sql", entry.Name()))
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			panic(fmt.Sprintf("schema: migration filename %q has a non-numeric id: %v", entry.Name(), err))
		}

		contents, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("schema: reading migration %q: %v", entry.Name(), err))
		}

		version := ""
		if vm := introducedVersionRE.FindStringSubmatch(string(contents)); vm != nil {
			version = vm[1]
		}

		migrations = append(migrations, Migration{
			ID:                id,
			IntroducedVersion: version,
			SQL:               string(contents),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations
}
