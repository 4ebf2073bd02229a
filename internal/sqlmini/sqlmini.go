// Package sqlmini is a minimal recursive-descent parser for the
// statement set named in §6.4/§9: BEGIN, COMMIT, ABORT, SHOW TABLES,
// CREATE TABLE, SELECT, INSERT, UPDATE, DELETE. It is deliberately thin
// (kept out of the core's hard-invariant surface by spec.md's
// Non-goals) but complete enough to drive every core operation from a
// live connection.
package sqlmini

import (
	"strconv"
	"strings"

	"github.com/cuemby/warrendb/internal/dberr"
)

// Kind tags which Statement variant a parse produced.
type Kind int

const (
	KindBegin Kind = iota
	KindCommit
	KindAbort
	KindShow
	KindCreate
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindStatus
)

// ColumnDef is one column of a CREATE TABLE statement.
type ColumnDef struct {
	Name string
	Type string // "INT32", "INT64", or "TEXT"
}

// Where is an optional SELECT/UPDATE/DELETE filter: either an equality
// test (col = v) or a range test (col BETWEEN a AND b).
type Where struct {
	Present bool
	Column  string
	IsRange bool
	Low     int64
	High    int64
	Eq      int64
}

// Statement is the parsed form of one client command.
type Statement struct {
	Kind    Kind
	Level   string // for BEGIN: "READ_COMMITTED" or "REPEATABLE_READ"
	Table   string
	Columns []ColumnDef
	Where   Where
	Values  []string
	SetCols []string // UPDATE only: column name for each entry in Values
	UID     uint64
}

// Parse tokenizes and parses one statement line.
func Parse(line string) (Statement, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, ";")
	if line == "" {
		return Statement{}, dberr.New(dberr.InvalidCommand, "empty statement")
	}
	upper := strings.ToUpper(line)

	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "BEGIN "):
		return parseBegin(line)
	case upper == "COMMIT":
		return Statement{Kind: KindCommit}, nil
	case upper == "ABORT":
		return Statement{Kind: KindAbort}, nil
	case upper == "SHOW TABLES":
		return Statement{Kind: KindShow}, nil
	case upper == "SHOW STATUS":
		return Statement{Kind: KindStatus}, nil
	case strings.HasPrefix(upper, "CREATE TABLE "):
		return parseCreate(line)
	case strings.HasPrefix(upper, "SELECT "):
		return parseSelect(line)
	case strings.HasPrefix(upper, "INSERT INTO "):
		return parseInsert(line)
	case strings.HasPrefix(upper, "UPDATE "):
		return parseUpdate(line)
	case strings.HasPrefix(upper, "DELETE FROM "):
		return parseDelete(line)
	default:
		return Statement{}, dberr.New(dberr.InvalidCommand, "unrecognized statement: %s", line)
	}
}

func parseBegin(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("BEGIN"):])
	level := "READ_COMMITTED"
	if rest != "" {
		up := strings.ToUpper(rest)
		switch up {
		case "READ_COMMITTED", "REPEATABLE_READ":
			level = up
		default:
			return Statement{}, dberr.New(dberr.InvalidCommand, "unknown isolation level %q", rest)
		}
	}
	return Statement{Kind: KindBegin, Level: level}, nil
}

// CREATE TABLE name (col1 TYPE, col2 TYPE, ...)
func parseCreate(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("CREATE TABLE "):])
	open := strings.Index(rest, "(")
	close := strings.LastIndex(rest, ")")
	if open < 0 || close < open {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed CREATE TABLE: %s", line)
	}
	name := strings.TrimSpace(rest[:open])
	if name == "" {
		return Statement{}, dberr.New(dberr.InvalidCommand, "CREATE TABLE missing table name")
	}
	body := rest[open+1 : close]
	var cols []ColumnDef
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return Statement{}, dberr.New(dberr.InvalidField, "malformed column definition %q", part)
		}
		typ := strings.ToUpper(fields[1])
		if typ != "INT32" && typ != "INT64" && typ != "TEXT" {
			return Statement{}, dberr.New(dberr.InvalidField, "unknown column type %q", fields[1])
		}
		cols = append(cols, ColumnDef{Name: fields[0], Type: typ})
	}
	if len(cols) == 0 {
		return Statement{}, dberr.New(dberr.InvalidField, "CREATE TABLE with no columns")
	}
	return Statement{Kind: KindCreate, Table: name, Columns: cols}, nil
}

// SELECT * FROM name [WHERE col = v | WHERE col BETWEEN a AND b]
func parseSelect(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("SELECT "):])
	upper := strings.ToUpper(rest)
	if !strings.HasPrefix(upper, "* FROM ") {
		return Statement{}, dberr.New(dberr.InvalidCommand, "only SELECT * is supported: %s", line)
	}
	rest = strings.TrimSpace(rest[len("* FROM "):])

	whereIdx := strings.Index(strings.ToUpper(rest), " WHERE ")
	var table string
	var where Where
	var err error
	if whereIdx < 0 {
		table = strings.TrimSpace(rest)
	} else {
		table = strings.TrimSpace(rest[:whereIdx])
		where, err = parseWhere(strings.TrimSpace(rest[whereIdx+len(" WHERE "):]))
		if err != nil {
			return Statement{}, err
		}
	}
	if table == "" {
		return Statement{}, dberr.New(dberr.InvalidCommand, "SELECT missing table name")
	}
	return Statement{Kind: KindSelect, Table: table, Where: where}, nil
}

func parseWhere(clause string) (Where, error) {
	upper := strings.ToUpper(clause)
	if idx := strings.Index(upper, " BETWEEN "); idx >= 0 {
		col := strings.TrimSpace(clause[:idx])
		rest := strings.TrimSpace(clause[idx+len(" BETWEEN "):])
		andIdx := strings.Index(strings.ToUpper(rest), " AND ")
		if andIdx < 0 {
			return Where{}, dberr.New(dberr.InvalidCommand, "malformed BETWEEN clause %q", clause)
		}
		low, err := strconv.ParseInt(strings.TrimSpace(rest[:andIdx]), 10, 64)
		if err != nil {
			return Where{}, dberr.New(dberr.InvalidValues, "malformed BETWEEN low bound: %v", err)
		}
		high, err := strconv.ParseInt(strings.TrimSpace(rest[andIdx+len(" AND "):]), 10, 64)
		if err != nil {
			return Where{}, dberr.New(dberr.InvalidValues, "malformed BETWEEN high bound: %v", err)
		}
		return Where{Present: true, Column: col, IsRange: true, Low: low, High: high}, nil
	}
	eqIdx := strings.Index(clause, "=")
	if eqIdx < 0 {
		return Where{}, dberr.New(dberr.InvalidCommand, "malformed WHERE clause %q", clause)
	}
	col := strings.TrimSpace(clause[:eqIdx])
	val, err := strconv.ParseInt(strings.TrimSpace(clause[eqIdx+1:]), 10, 64)
	if err != nil {
		return Where{}, dberr.New(dberr.InvalidValues, "malformed WHERE value: %v", err)
	}
	return Where{Present: true, Column: col, Eq: val}, nil
}

// INSERT INTO name VALUES (v1, v2, ...)
func parseInsert(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("INSERT INTO "):])
	upper := strings.ToUpper(rest)
	valuesIdx := strings.Index(upper, "VALUES")
	if valuesIdx < 0 {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed INSERT: %s", line)
	}
	table := strings.TrimSpace(rest[:valuesIdx])
	tail := strings.TrimSpace(rest[valuesIdx+len("VALUES"):])
	open := strings.Index(tail, "(")
	close := strings.LastIndex(tail, ")")
	if open < 0 || close < open {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed VALUES list: %s", line)
	}
	vals := splitValues(tail[open+1 : close])
	if table == "" || len(vals) == 0 {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed INSERT: %s", line)
	}
	return Statement{Kind: KindInsert, Table: table, Values: vals}, nil
}

func splitValues(body string) []string {
	var out []string
	for _, v := range strings.Split(body, ",") {
		v = strings.TrimSpace(v)
		v = strings.Trim(v, "'\"")
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// UPDATE name SET col=v[, col=v...] WHERE id=uid
func parseUpdate(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("UPDATE "):])
	upper := strings.ToUpper(rest)
	setIdx := strings.Index(upper, " SET ")
	whereIdx := strings.Index(upper, " WHERE ")
	if setIdx < 0 || whereIdx < 0 || whereIdx < setIdx {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed UPDATE: %s", line)
	}
	table := strings.TrimSpace(rest[:setIdx])
	assigns := strings.TrimSpace(rest[setIdx+len(" SET ") : whereIdx])
	whereClause := strings.TrimSpace(rest[whereIdx+len(" WHERE "):])

	uid, err := parseIDClause(whereClause)
	if err != nil {
		return Statement{}, err
	}

	var vals, cols []string
	for _, a := range strings.Split(assigns, ",") {
		eq := strings.Index(a, "=")
		if eq < 0 {
			return Statement{}, dberr.New(dberr.InvalidCommand, "malformed SET clause %q", a)
		}
		cols = append(cols, strings.TrimSpace(a[:eq]))
		vals = append(vals, strings.TrimSpace(strings.Trim(a[eq+1:], "'\" ")))
	}
	return Statement{Kind: KindUpdate, Table: table, Values: vals, SetCols: cols, UID: uid}, nil
}

// DELETE FROM name WHERE id=uid
func parseDelete(line string) (Statement, error) {
	rest := strings.TrimSpace(line[len("DELETE FROM "):])
	upper := strings.ToUpper(rest)
	whereIdx := strings.Index(upper, " WHERE ")
	if whereIdx < 0 {
		return Statement{}, dberr.New(dberr.InvalidCommand, "malformed DELETE: %s", line)
	}
	table := strings.TrimSpace(rest[:whereIdx])
	uid, err := parseIDClause(strings.TrimSpace(rest[whereIdx+len(" WHERE "):]))
	if err != nil {
		return Statement{}, err
	}
	return Statement{Kind: KindDelete, Table: table, UID: uid}, nil
}

func parseIDClause(clause string) (uint64, error) {
	upper := strings.ToUpper(clause)
	if !strings.HasPrefix(upper, "ID=") {
		return 0, dberr.New(dberr.InvalidCommand, "expected id=uid clause, got %q", clause)
	}
	uid, err := strconv.ParseUint(strings.TrimSpace(clause[len("ID="):]), 10, 64)
	if err != nil {
		return 0, dberr.New(dberr.InvalidValues, "malformed uid: %v", err)
	}
	return uid, nil
}
