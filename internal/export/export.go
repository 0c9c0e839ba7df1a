// Package export flattens a hierarchy subtree into tabular rows, one row per
// exposure, with ancestor attributes and joined result metrics denormalized
// onto each row.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/config"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
)

// Identifier columns present on every row, outermost level first.
var idColumns = []string{"atlas", "grid", "grid_square", "foil_hole", "exposure"}

// columnPrefix maps a level to the prefix its metadata keys carry on an
// exposure row. Exposure metadata stays unprefixed.
var columnPrefix = map[api.Level]string{
	api.LevelAtlas:      "atlas_",
	api.LevelGrid:       "grid_",
	api.LevelGridSquare: "grid_square_",
	api.LevelFoilHole:   "foil_hole_",
}

// Table is a flattened subtree. Rows hold typed values; the writers decide
// representation. A column absent from a row exports as an empty cell.
type Table struct {
	Columns []string
	Rows    []map[string]any
}

type Exporter struct {
	store *hierarchy.Store
	cfg   config.ExportSettings
}

func NewExporter(store *hierarchy.Store, cfg config.ExportSettings) *Exporter {
	return &Exporter{store: store, cfg: cfg}
}

// Table flattens the scoped subtree (empty scope means everything). Rows
// come back in exposure discovery order. Exposures under incomplete parent
// chains still produce rows; the unknown ancestor cells stay empty.
func (e *Exporter) Table(scope string) (*Table, error) {
	var snap *hierarchy.Snapshot
	var err error
	if scope == "" {
		snap = e.store.Forest()
	} else if snap, err = e.store.Subtree(scope); err != nil {
		return nil, err
	}

	t := &Table{}
	for _, exp := range snap.AtLevel(api.LevelExposure) {
		t.Rows = append(t.Rows, e.row(snap, exp))
	}
	t.Columns = e.columns(t.Rows)
	return t, nil
}

func (e *Exporter) row(snap *hierarchy.Snapshot, exp *hierarchy.Node) map[string]any {
	row := map[string]any{"exposure": exp.ID}
	for k, v := range exp.Metadata {
		row[k] = v
	}
	for _, anc := range snap.Ancestors(exp.ID) {
		switch anc.Level {
		case api.LevelAtlas:
			row["atlas"] = anc.ID
		case api.LevelGrid:
			row["grid"] = anc.ID
		case api.LevelGridSquare:
			row["grid_square"] = anc.ID
		case api.LevelFoilHole:
			row["foil_hole"] = anc.ID
		}
		prefix := columnPrefix[anc.Level]
		for k, v := range anc.Metadata {
			row[prefix+k] = v
		}
	}
	// Joined metrics, in kind order so a duplicate key lands predictably.
	kinds := make([]string, 0, len(snap.Results[exp.ID]))
	for kind := range snap.Results[exp.ID] {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		for k, v := range snap.Results[exp.ID][kind].Payload {
			row[k] = v
		}
	}
	return row
}

// columns resolves the exported column set: the configured list verbatim, or
// the identifiers followed by every observed key sorted.
func (e *Exporter) columns(rows []map[string]any) []string {
	if len(e.cfg.Columns) > 0 {
		return e.cfg.Columns
	}
	fixed := map[string]bool{}
	for _, c := range idColumns {
		fixed[c] = true
	}
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			if !fixed[k] {
				seen[k] = true
			}
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(append([]string{}, idColumns...), rest...)
}

// WriteCSV writes the table with a header row. Cells without a value are
// empty, never an error.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, col := range t.Columns {
			record[i] = cell(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes one JSON array of row objects, keys sorted, restricted to
// the table's column set.
func (t *Table) WriteJSON(w io.Writer) error {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		obj := map[string]any{}
		for _, col := range t.Columns {
			if v, ok := row[col]; ok {
				obj[col] = v
			}
		}
		out = append(out, obj)
	}
	_, err := w.Write([]byte(oj.JSON(out, &oj.Options{Sort: true, Indent: 2})))
	return err
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
