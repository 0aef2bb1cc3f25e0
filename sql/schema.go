package sql

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/go-llsqlite/crawshaw/sqlitex"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Schema is the concatenation of the embedded migration scripts, applied
// in lexical order when a fresh database is created.
var Schema = loadSchema()

func loadSchema() string {
	entries, err := embedded.ReadDir("migrations")
	if err != nil {
		panic(fmt.Sprintf("read embedded migrations: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	var script string
	for _, name := range names {
		content, err := embedded.ReadFile("migrations/" + name)
		if err != nil {
			panic(fmt.Sprintf("read embedded migration %s: %v", name, err))
		}
		script += string(content)
	}
	return script
}

func applySchema(db *Database, script string) error {
	conn := db.getConn(context.Background())
	if conn == nil {
		return ErrNoConnection
	}
	defer db.pool.Put(conn)
	if err := sqlitex.ExecScript(conn, script); err != nil {
		return fmt.Errorf("exec schema script: %w", err)
	}
	return nil
}
