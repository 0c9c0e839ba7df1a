// Package relion reads STAR files produced by the downstream SPA processing
// pipeline and turns their per-micrograph rows into processing results.
package relion

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Block is one data_ block of a STAR file. Loop blocks carry Columns/Rows;
// simple blocks carry key-value Pairs. Column names are lowercased, so
// "_rlnCtfMaxResolution" is addressed as "_rlnctfmaxresolution".
type Block struct {
	Name    string
	Columns []string
	Rows    [][]string
	Pairs   map[string]string
}

// Column returns the index of a column in the loop header, or -1.
func (b *Block) Column(name string) int {
	for i, c := range b.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// parse reads every data_ block of a STAR file. The grammar is the small
// subset RELION emits: data_ headers, loop_ column lists with "#n" ordinals,
// whitespace-separated rows and "_key value" items.
func parse(r io.Reader) (map[string]*Block, error) {
	blocks := map[string]*Block{}
	var cur *Block
	inLoop := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			// Blank and comment lines are insignificant, even inside a
			// loop_ body. The loop ends at the next data_, loop_, or
			// key-value item, not at whitespace.

		case strings.HasPrefix(line, "data_"):
			cur = &Block{Name: strings.TrimPrefix(line, "data_"), Pairs: map[string]string{}}
			blocks[cur.Name] = cur
			inLoop = false

		case line == "loop_":
			if cur == nil {
				return nil, fmt.Errorf("loop_ before any data_ block")
			}
			inLoop = true

		case strings.HasPrefix(line, "_"):
			if cur == nil {
				return nil, fmt.Errorf("item %q before any data_ block", line)
			}
			fields := strings.Fields(line)
			name := strings.ToLower(fields[0])
			if inLoop && len(cur.Rows) > 0 {
				// A key-value item after loop rows closes the loop.
				inLoop = false
			}
			if inLoop {
				cur.Columns = append(cur.Columns, name)
			} else if len(fields) > 1 {
				cur.Pairs[name] = fields[1]
			}

		default:
			if cur == nil || !inLoop {
				continue
			}
			row := strings.Fields(line)
			if len(row) != len(cur.Columns) {
				return nil, fmt.Errorf("block data_%s: row has %d fields, header has %d columns",
					cur.Name, len(row), len(cur.Columns))
			}
			cur.Rows = append(cur.Rows, row)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no data_ blocks found")
	}
	return blocks, nil
}

// loopBlock returns the first block that has loop rows and contains the
// wanted column.
func loopBlock(blocks map[string]*Block, column string) *Block {
	// Prefer the conventional block names before falling back to any match.
	for _, name := range []string{"micrographs", "particles", ""} {
		if b, ok := blocks[name]; ok && b.Column(column) >= 0 && len(b.Rows) > 0 {
			return b
		}
	}
	for _, b := range blocks {
		if b.Column(column) >= 0 && len(b.Rows) > 0 {
			return b
		}
	}
	return nil
}
