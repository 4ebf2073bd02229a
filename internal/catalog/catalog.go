// Package catalog implements the table catalog (§6.4): it maps table
// and column names onto Coordinator calls, persisting table
// definitions as a linked list of RecordStore rows whose head is the
// Coordinator's boot cell. Every table carries one B+tree index keyed
// on its first column, used for both point and range WHERE clauses.
package catalog

import (
	"math"
	"strconv"
	"sync"

	"github.com/cuemby/warrendb/internal/bptree"
	"github.com/cuemby/warrendb/internal/byteutil"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/engine"
	"github.com/cuemby/warrendb/internal/recordstore"
	"github.com/cuemby/warrendb/internal/sqlmini"
	"github.com/cuemby/warrendb/internal/txnid"
)

// Column describes one table column: its name and storage type.
type Column struct {
	Name string
	Type string // "INT32", "INT64", "TEXT"
}

// Table is one catalog entry: its schema and the index over its first
// (key) column.
type Table struct {
	Name      string
	Columns   []Column
	index     *bptree.Tree
	indexUID  recordstore.UID
}

// Catalog owns every table definition in one database, persisted as a
// linked list of rows whose head is tracked by the Coordinator's boot
// cell.
type Catalog struct {
	coord *engine.Coordinator

	mu     sync.RWMutex
	tables map[string]*Table
	head   recordstore.UID
}

const tableDefMinLen = 8 + 2 + 1 + 8 // next(8) + name_len(2) + col_count(1) + index_uid(8)

func encodeTableDef(next recordstore.UID, t *Table) []byte {
	size := tableDefMinLen + len(t.Name)
	for _, c := range t.Columns {
		size += 1 + len(c.Name) + 1
	}
	buf := make([]byte, size)
	off := 0
	byteutil.PutUint64(buf, off, uint64(next))
	off += 8
	byteutil.PutUint16(buf, off, uint16(len(t.Name)))
	off += 2
	copy(buf[off:], t.Name)
	off += len(t.Name)
	buf[off] = byte(len(t.Columns))
	off++
	byteutil.PutUint64(buf, off, uint64(t.indexUID))
	off += 8
	for _, c := range t.Columns {
		buf[off] = byte(len(c.Name))
		off++
		copy(buf[off:], c.Name)
		off += len(c.Name)
		buf[off] = columnTypeByte(c.Type)
		off++
	}
	return buf
}

func decodeTableDef(buf []byte) (next recordstore.UID, t *Table, err error) {
	if len(buf) < tableDefMinLen {
		return 0, nil, dberr.New(dberr.InvalidField, "truncated table definition record")
	}
	off := 0
	next = recordstore.UID(byteutil.Uint64(buf, off))
	off += 8
	nameLen := int(byteutil.Uint16(buf, off))
	off += 2
	name, err := byteutil.SubSlice(buf, off, nameLen)
	if err != nil {
		return 0, nil, err
	}
	off += nameLen
	colCount := int(buf[off])
	off++
	indexUID := recordstore.UID(byteutil.Uint64(buf, off))
	off += 8

	cols := make([]Column, colCount)
	for i := 0; i < colCount; i++ {
		nl := int(buf[off])
		off++
		cname, err := byteutil.SubSlice(buf, off, nl)
		if err != nil {
			return 0, nil, err
		}
		off += nl
		typ := columnTypeString(buf[off])
		off++
		cols[i] = Column{Name: string(cname), Type: typ}
	}
	return next, &Table{Name: string(name), Columns: cols, indexUID: indexUID}, nil
}

func columnTypeByte(t string) byte {
	switch t {
	case "INT32":
		return 0
	case "INT64":
		return 1
	default:
		return 2 // TEXT
	}
}

func columnTypeString(b byte) string {
	switch b {
	case 0:
		return "INT32"
	case 1:
		return "INT64"
	default:
		return "TEXT"
	}
}

// Open loads the catalog's table definitions, following the linked list
// from the Coordinator's boot cell.
func Open(coord *engine.Coordinator) (*Catalog, error) {
	c := &Catalog{coord: coord, tables: make(map[string]*Table)}
	headVal, err := coord.Cell.Read()
	if err != nil {
		return nil, err
	}
	cur := recordstore.UID(headVal)
	c.head = cur
	for cur != 0 {
		rec, err := coord.Records.Read(cur)
		if err != nil {
			return nil, err
		}
		next, t, err := decodeTableDef(rec.Payload)
		coord.Records.Release(rec)
		if err != nil {
			return nil, err
		}
		t.index, err = coord.OpenIndex(t.indexUID)
		if err != nil {
			return nil, err
		}
		c.tables[t.Name] = t
		cur = next
	}
	return c, nil
}

// CreateTable adds a new table definition, persisting it at the head of
// the catalog's linked list.
func (c *Catalog) CreateTable(name string, cols []sqlmini.ColumnDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[name]; exists {
		return dberr.New(dberr.DuplicatedTable, "table %s already exists", name)
	}

	indexUID, err := c.coord.NewIndex()
	if err != nil {
		return err
	}
	index, err := c.coord.OpenIndex(indexUID)
	if err != nil {
		return err
	}

	columns := make([]Column, len(cols))
	for i, cd := range cols {
		columns[i] = Column{Name: cd.Name, Type: cd.Type}
	}
	t := &Table{Name: name, Columns: columns, index: index, indexUID: indexUID}

	defBuf := encodeTableDef(c.head, t)
	rowUID, err := c.coord.Records.Insert(txnid.SuperXID, defBuf)
	if err != nil {
		return err
	}
	if err := c.coord.Cell.Update(uint64(rowUID)); err != nil {
		return err
	}

	c.head = rowUID
	c.tables[name] = t
	return nil
}

// TableNames lists every table, for SHOW TABLES.
func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	return names
}

func (c *Catalog) lookup(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, dberr.New(dberr.TableNotFound, "table %s not found", name)
	}
	return t, nil
}

// Row encoding: each column's value concatenated in column order; INT32
// and INT64 are fixed-width little-endian, TEXT is prefixed with a 2-byte
// length in the same style as RecordStore's own record header.
func encodeRow(cols []Column, values []string) ([]byte, error) {
	if len(values) != len(cols) {
		return nil, dberr.New(dberr.InvalidValues, "expected %d values, got %d", len(cols), len(values))
	}
	var buf []byte
	for i, c := range cols {
		v := values[i]
		switch c.Type {
		case "INT32":
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, dberr.New(dberr.InvalidValues, "column %s: not an INT32: %v", c.Name, err)
			}
			b := make([]byte, 4)
			byteutil.PutUint32(b, 0, uint32(int32(n)))
			buf = append(buf, b...)
		case "INT64":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, dberr.New(dberr.InvalidValues, "column %s: not an INT64: %v", c.Name, err)
			}
			b := make([]byte, 8)
			byteutil.PutInt64(b, 0, n)
			buf = append(buf, b...)
		default: // TEXT
			lb := make([]byte, 2)
			byteutil.PutUint16(lb, 0, uint16(len(v)))
			buf = append(buf, lb...)
			buf = append(buf, v...)
		}
	}
	return buf, nil
}

func decodeRow(cols []Column, payload []byte) ([]string, error) {
	out := make([]string, len(cols))
	off := 0
	for i, c := range cols {
		switch c.Type {
		case "INT32":
			v, err := byteutil.SubSlice(payload, off, 4)
			if err != nil {
				return nil, err
			}
			out[i] = strconv.FormatInt(int64(int32(byteutil.Uint32(v, 0))), 10)
			off += 4
		case "INT64":
			v, err := byteutil.SubSlice(payload, off, 8)
			if err != nil {
				return nil, err
			}
			out[i] = strconv.FormatInt(byteutil.Int64(v, 0), 10)
			off += 8
		default: // TEXT
			lv, err := byteutil.SubSlice(payload, off, 2)
			if err != nil {
				return nil, err
			}
			l := int(byteutil.Uint16(lv, 0))
			off += 2
			sv, err := byteutil.SubSlice(payload, off, l)
			if err != nil {
				return nil, err
			}
			out[i] = string(sv)
			off += l
		}
	}
	return out, nil
}

func (t *Table) keyColumn() Column { return t.Columns[0] }

func keyOf(colType, value string) (int64, error) {
	switch colType {
	case "INT32", "INT64":
		return strconv.ParseInt(value, 10, 64)
	default:
		return 0, dberr.New(dberr.FieldNotIndexed, "TEXT columns cannot be indexed keys")
	}
}

// Insert encodes values per the table's schema, versions the row under
// xid, and indexes it by its key column.
func (c *Catalog) Insert(xid uint64, table string, values []string) (uint64, error) {
	t, err := c.lookup(table)
	if err != nil {
		return 0, err
	}
	payload, err := encodeRow(t.Columns, values)
	if err != nil {
		return 0, err
	}
	uid, err := c.coord.Versions.Insert(xid, payload)
	if err != nil {
		return 0, err
	}
	key, err := keyOf(t.keyColumn().Type, values[0])
	if err != nil {
		return 0, err
	}
	if err := t.index.Insert(key, uint64(uid)); err != nil {
		return 0, err
	}
	return uint64(uid), nil
}

// Select returns every visible row matching where, or every visible row
// if where is absent.
func (c *Catalog) Select(xid uint64, table string, where sqlmini.Where) ([][]string, error) {
	t, err := c.lookup(table)
	if err != nil {
		return nil, err
	}

	low, high := int64(math.MinInt64), int64(math.MaxInt64)
	if where.Present {
		if where.Column != t.keyColumn().Name {
			return nil, dberr.New(dberr.FieldNotIndexed, "column %s has no index", where.Column)
		}
		if where.IsRange {
			low, high = where.Low, where.High
		} else {
			low, high = where.Eq, where.Eq
		}
	}

	uids, err := t.index.SearchRange(low, high)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for _, u := range uids {
		payload, err := c.coord.Versions.Read(xid, recordstore.UID(u))
		if err != nil {
			if dberr.Is(err, dberr.NullEntry) {
				continue // not visible to this transaction; skip
			}
			return nil, err
		}
		row, err := decodeRow(t.Columns, payload)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Update replaces the row at uid with new values for the named columns,
// implemented as an MVCC delete of the old version plus an insert of a
// new one re-indexed under the (possibly unchanged) key.
func (c *Catalog) Update(xid uint64, table string, uid uint64, setCols, setVals []string) error {
	t, err := c.lookup(table)
	if err != nil {
		return err
	}

	old, err := c.coord.Versions.Read(xid, recordstore.UID(uid))
	if err != nil {
		return err
	}
	values, err := decodeRow(t.Columns, old)
	if err != nil {
		return err
	}

	byName := make(map[string]int, len(t.Columns))
	for i, col := range t.Columns {
		byName[col.Name] = i
	}
	for i, name := range setCols {
		idx, ok := byName[name]
		if !ok {
			return dberr.New(dberr.FieldNotFound, "column %s not found on table %s", name, table)
		}
		values[idx] = setVals[i]
	}

	if _, err := c.coord.Versions.Delete(xid, recordstore.UID(uid)); err != nil {
		return err
	}
	newPayload, err := encodeRow(t.Columns, values)
	if err != nil {
		return err
	}
	newUID, err := c.coord.Versions.Insert(xid, newPayload)
	if err != nil {
		return err
	}
	key, err := keyOf(t.keyColumn().Type, values[0])
	if err != nil {
		return err
	}
	return t.index.Insert(key, uint64(newUID))
}

// Delete logically removes the row at uid.
func (c *Catalog) Delete(xid uint64, table string, uid uint64) (bool, error) {
	if _, err := c.lookup(table); err != nil {
		return false, err
	}
	return c.coord.Versions.Delete(xid, recordstore.UID(uid))
}
