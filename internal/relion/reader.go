package relion

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/agentic-research/gridtrace/api"
)

// Result kinds, matching the constants in the hierarchy package. Declared
// locally so the reader stays a leaf collaborator.
const (
	kindMotionCorrection = "motioncorrection"
	kindCTF              = "ctf"
	kindParticlePick     = "particlepick"
	kindClassification   = "classification"
)

// Columns that name the source micrograph of a row, in preference order.
var micrographColumns = []string{"_rlnmicrographname", "_rlnmicrographmoviename"}

// Reader is the FormatReader for RELION pipeline output. Stateless; safe
// for parallel use.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

func (r *Reader) Claims() []string {
	return []string{
		"**/corrected_micrographs.star",
		"**/micrographs_ctf.star",
		"**/particles.star",
		"**/run_it*_data.star",
	}
}

func kindFor(rel string) (string, bool) {
	base := path.Base(rel)
	switch {
	case base == "corrected_micrographs.star":
		return kindMotionCorrection, true
	case base == "micrographs_ctf.star":
		return kindCTF, true
	case base == "particles.star":
		return kindParticlePick, true
	case strings.HasPrefix(base, "run_it") && strings.HasSuffix(base, "_data.star"):
		return kindClassification, true
	}
	return "", false
}

func (r *Reader) Read(fs billy.Filesystem, p string) ([]api.RawRecord, []api.ResultRecord, error) {
	kind, ok := kindFor(p)
	if !ok {
		return nil, nil, fmt.Errorf("%s: not a recognized pipeline output", p)
	}

	f, err := fs.Open(p)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	blocks, err := parse(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", p, err)
	}

	var block *Block
	var micrographCol int
	for _, col := range micrographColumns {
		if block = loopBlock(blocks, col); block != nil {
			micrographCol = block.Column(col)
			break
		}
	}
	if block == nil {
		return nil, nil, fmt.Errorf("%s: no micrograph column found", p)
	}

	producedAt := time.Now()
	if info, err := fs.Stat(p); err == nil {
		producedAt = info.ModTime()
	}

	switch kind {
	case kindParticlePick, kindClassification:
		return nil, aggregateRows(block, micrographCol, kind, p, producedAt), nil
	default:
		return nil, perMicrographRows(block, micrographCol, kind, p, producedAt), nil
	}
}

// perMicrographRows emits one result per row: motion correction and CTF
// output exactly one row per exposure.
func perMicrographRows(b *Block, micrographCol int, kind, source string, producedAt time.Time) []api.ResultRecord {
	out := make([]api.ResultRecord, 0, len(b.Rows))
	for _, row := range b.Rows {
		payload := map[string]any{}
		for i, col := range b.Columns {
			if i == micrographCol {
				continue
			}
			if v, err := strconv.ParseFloat(row[i], 64); err == nil {
				payload[payloadKey(col)] = v
			}
		}
		out = append(out, api.ResultRecord{
			ExposureID: ExposureID(row[micrographCol]),
			Kind:       kind,
			Payload:    payload,
			ProducedAt: producedAt,
			Source:     source,
		})
	}
	return out
}

// aggregateRows groups particle-level rows by micrograph: picks and class
// assignments arrive as thousands of rows per exposure, and the hierarchy
// only tracks per-exposure counts and score averages.
func aggregateRows(b *Block, micrographCol int, kind, source string, producedAt time.Time) []api.ResultRecord {
	type agg struct {
		count int
		sums  map[string]float64
		ns    map[string]int
	}
	byExposure := map[string]*agg{}
	for _, row := range b.Rows {
		id := ExposureID(row[micrographCol])
		a, ok := byExposure[id]
		if !ok {
			a = &agg{sums: map[string]float64{}, ns: map[string]int{}}
			byExposure[id] = a
		}
		a.count++
		for i, col := range b.Columns {
			if i == micrographCol {
				continue
			}
			if v, err := strconv.ParseFloat(row[i], 64); err == nil {
				key := payloadKey(col)
				a.sums[key] += v
				a.ns[key]++
			}
		}
	}

	ids := make([]string, 0, len(byExposure))
	for id := range byExposure {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]api.ResultRecord, 0, len(ids))
	for _, id := range ids {
		a := byExposure[id]
		payload := map[string]any{"particle_count": a.count}
		for key, sum := range a.sums {
			payload["mean_"+key] = sum / float64(a.ns[key])
		}
		out = append(out, api.ResultRecord{
			ExposureID: id,
			Kind:       kind,
			Payload:    payload,
			ProducedAt: producedAt,
			Source:     source,
		})
	}
	return out
}

// ExposureID derives the acquisition exposure identifier from a micrograph
// path: the base name without extension, with the "_fractions" movie suffix
// stripped. This is the cross-reference key between the two pipelines.
func ExposureID(micrograph string) string {
	stem := path.Base(micrograph)
	stem = strings.TrimSuffix(stem, path.Ext(stem))
	stem = strings.TrimSuffix(stem, "_fractions")
	return strings.TrimSuffix(stem, "_Fractions")
}

// payloadKey normalizes a STAR column to a payload key: "_rlnctfmaxresolution"
// becomes "ctfmaxresolution".
func payloadKey(col string) string {
	return strings.TrimPrefix(strings.TrimPrefix(col, "_rln"), "_")
}
