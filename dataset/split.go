// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gorse-io/categorizer/common/encoding"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

const (
	DataFile = "data.db"

	Train = "train"
	Dev   = "dev"
	Test  = "test"

	NumLevels = 4
)

// Levels are the column prefixes of the category hierarchy: broad, middle, sub and detail.
var Levels = [NumLevels]string{"b", "m", "s", "d"}

var splitNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Row is a single product in a split. Labels hold -1 for absent categories.
type Row struct {
	Pid    string
	Cuni   []int32
	Wuni   []int32
	Img    []float32
	Labels [NumLevels]int32
}

// Database is the on-disk dataset of a data root. Each split is stored in its own table.
type Database struct {
	db *sql.DB
}

func Open(dataRoot string) (*Database, error) {
	path := filepath.Join(dataRoot, DataFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("dataset %s", path)
		}
		return nil, errors.Trace(err)
	}
	return open(path)
}

// Create opens the dataset of a data root for writing, creating the file if needed.
func Create(dataRoot string) (*Database, error) {
	if err := os.MkdirAll(dataRoot, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	return open(filepath.Join(dataRoot, DataFile))
}

func open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err = db.Exec(`
CREATE TABLE IF NOT EXISTS splits (
	name TEXT PRIMARY KEY,
	char_len INTEGER,
	word_len INTEGER,
	img_dim INTEGER
);`); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func tableName(name string) (string, error) {
	if !splitNamePattern.MatchString(name) {
		return "", errors.NotValidf("split name %q", name)
	}
	return "split_" + name, nil
}

// Split opens an existing split.
func (d *Database) Split(name string) (*Split, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	split := &Split{db: d.db, name: name, table: table}
	err = d.db.QueryRow(`SELECT char_len, word_len, img_dim FROM splits WHERE name = ?`, name).
		Scan(&split.charLen, &split.wordLen, &split.imgDim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFoundf("split %s", name)
		}
		return nil, errors.Trace(err)
	}
	if err = d.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&split.count); err != nil {
		return nil, errors.Trace(err)
	}
	return split, nil
}

// CreateSplit replaces a split with an empty one of the given shape.
func (d *Database) CreateSplit(name string, charLen, wordLen, imgDim int) (*SplitWriter, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	tx, err := d.db.Begin()
	if err != nil {
		return nil, errors.Trace(err)
	}
	statements := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table),
		fmt.Sprintf(`
CREATE TABLE %s (
	row_id INTEGER PRIMARY KEY,
	pid TEXT,
	cuni BLOB,
	wuni BLOB,
	img BLOB,
	bcate INTEGER,
	mcate INTEGER,
	scate INTEGER,
	dcate INTEGER
);`, table),
	}
	for _, statement := range statements {
		if _, err = tx.Exec(statement); err != nil {
			_ = tx.Rollback()
			return nil, errors.Trace(err)
		}
	}
	if _, err = tx.Exec(`
INSERT INTO splits (name, char_len, word_len, img_dim) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	char_len = excluded.char_len,
	word_len = excluded.word_len,
	img_dim = excluded.img_dim
`, name, charLen, wordLen, imgDim); err != nil {
		_ = tx.Rollback()
		return nil, errors.Trace(err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`
INSERT INTO %s (row_id, pid, cuni, wuni, img, bcate, mcate, scate, dcate)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		_ = tx.Rollback()
		return nil, errors.Trace(err)
	}
	return &SplitWriter{
		tx:      tx,
		stmt:    stmt,
		name:    name,
		charLen: charLen,
		wordLen: wordLen,
		imgDim:  imgDim,
	}, nil
}

// SplitWriter appends rows to a split inside a single transaction.
type SplitWriter struct {
	tx      *sql.Tx
	stmt    *sql.Stmt
	name    string
	count   int
	charLen int
	wordLen int
	imgDim  int
}

func (w *SplitWriter) Append(row Row) error {
	if len(row.Cuni) != w.charLen || len(row.Wuni) != w.wordLen || len(row.Img) != w.imgDim {
		return errors.NotValidf("row %s of shape (%d, %d, %d) in split %s of shape (%d, %d, %d)",
			row.Pid, len(row.Cuni), len(row.Wuni), len(row.Img), w.name, w.charLen, w.wordLen, w.imgDim)
	}
	_, err := w.stmt.Exec(w.count, row.Pid,
		encoding.EncodeInt32s(row.Cuni),
		encoding.EncodeInt32s(row.Wuni),
		encoding.EncodeFloat32s(row.Img),
		row.Labels[0], row.Labels[1], row.Labels[2], row.Labels[3])
	if err != nil {
		return errors.Trace(err)
	}
	w.count++
	return nil
}

func (w *SplitWriter) Count() int {
	return w.count
}

func (w *SplitWriter) Commit() error {
	if err := w.stmt.Close(); err != nil {
		_ = w.tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(w.tx.Commit())
}

func (w *SplitWriter) Rollback() error {
	_ = w.stmt.Close()
	return errors.Trace(w.tx.Rollback())
}

// Split is a train, dev or test partition. All columns share row count and row order.
type Split struct {
	db      *sql.DB
	name    string
	table   string
	count   int
	charLen int
	wordLen int
	imgDim  int
}

func (s *Split) Name() string {
	return s.name
}

func (s *Split) Count() int {
	return s.count
}

func (s *Split) CharLen() int {
	return s.charLen
}

func (s *Split) WordLen() int {
	return s.wordLen
}

func (s *Split) ImgDim() int {
	return s.imgDim
}

// Slice reads rows in [left, right).
func (s *Split) Slice(left, right int) (*Batch, error) {
	if left < 0 || right > s.count || left > right {
		return nil, errors.NotValidf("slice [%d, %d) of split %s with %d rows", left, right, s.name, s.count)
	}
	batch := NewBatch(right-left, s.charLen, s.wordLen, s.imgDim)
	rs, err := s.db.Query(fmt.Sprintf(`
SELECT row_id, pid, cuni, wuni, img, bcate, mcate, scate, dcate FROM %s
WHERE row_id >= ? AND row_id < ? ORDER BY row_id`, s.table), left, right)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rs.Close()
	for rs.Next() {
		var (
			rowId          int
			pid            string
			cuni, wuni     []byte
			img            []byte
			b, m, sub, det int32
		)
		if err = rs.Scan(&rowId, &pid, &cuni, &wuni, &img, &b, &m, &sub, &det); err != nil {
			return nil, errors.Trace(err)
		}
		i := rowId - left
		batch.Pid[i] = pid
		if err = decodeInto(batch.Cuni[i*s.charLen:(i+1)*s.charLen], cuni); err != nil {
			return nil, errors.Annotatef(err, "cuni of row %d", rowId)
		}
		if err = decodeInto(batch.Wuni[i*s.wordLen:(i+1)*s.wordLen], wuni); err != nil {
			return nil, errors.Annotatef(err, "wuni of row %d", rowId)
		}
		features, err := encoding.DecodeFloat32s(img)
		if err != nil {
			return nil, errors.Annotatef(err, "img of row %d", rowId)
		}
		if len(features) != s.imgDim {
			return nil, errors.NotValidf("img of row %d with %d dimensions", rowId, len(features))
		}
		copy(batch.Img[i*s.imgDim:], features)
		batch.Labels[0][i], batch.Labels[1][i], batch.Labels[2][i], batch.Labels[3][i] = b, m, sub, det
	}
	return batch, errors.Trace(rs.Err())
}

func decodeInto(dst []int32, data []byte) error {
	values, err := encoding.DecodeInt32s(data)
	if err != nil {
		return errors.Trace(err)
	}
	if len(values) != len(dst) {
		return errors.NotValidf("sequence of length %d, expected %d", len(values), len(dst))
	}
	copy(dst, values)
	return nil
}

// Pids returns the product identifiers of the split in row order.
func (s *Split) Pids() ([]string, error) {
	rs, err := s.db.Query(fmt.Sprintf(`SELECT pid FROM %s ORDER BY row_id`, s.table))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rs.Close()
	pids := make([]string, 0, s.count)
	for rs.Next() {
		var pid string
		if err = rs.Scan(&pid); err != nil {
			return nil, errors.Trace(err)
		}
		pids = append(pids, pid)
	}
	return pids, errors.Trace(rs.Err())
}

// Labels returns the category indices of a hierarchy level in row order.
func (s *Split) Labels(level int) ([]int32, error) {
	if level < 0 || level >= NumLevels {
		return nil, errors.NotValidf("level %d", level)
	}
	rs, err := s.db.Query(fmt.Sprintf(`SELECT %scate FROM %s ORDER BY row_id`, Levels[level], s.table))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rs.Close()
	labels := make([]int32, 0, s.count)
	for rs.Next() {
		var label int32
		if err = rs.Scan(&label); err != nil {
			return nil, errors.Trace(err)
		}
		labels = append(labels, label)
	}
	return labels, errors.Trace(rs.Err())
}

// ReadSplit opens a data root and returns one of its splits together with the
// database, which must be closed by the caller.
func ReadSplit(dataRoot, name string) (*Database, *Split, error) {
	db, err := Open(dataRoot)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	split, err := db.Split(name)
	if err != nil {
		_ = db.Close()
		return nil, nil, errors.Trace(err)
	}
	return db, split, nil
}
