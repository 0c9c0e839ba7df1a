// Package epu reads the XML sidecar files the EPU acquisition software
// writes next to every image it takes.
//
// Expected layout under the acquisition root:
//
//	Atlas_<a>/Atlas_*.xml                                  atlas montage
//	Atlas_<a>/Grid_<g>/EpuSession.dm                       session / grid
//	.../Grid_<g>/**/GridSquare_<s>/GridSquare_*.xml        grid square
//	.../GridSquare_<s>/FoilHoles/FoilHole_<f>_*.xml        foil hole
//	.../GridSquare_<s>/Data/FoilHole_<f>_Data_<d>_*.xml    exposure
//
// The Atlas_/Grid_ prefix directories are optional: a bare EPU session still
// ingests, its squares just root a parentless tree until the atlas appears.
package epu

import (
	"fmt"
	"strconv"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/ohler55/ojg/jp"

	"github.com/agentic-research/gridtrace/api"
)

// Reader is the FormatReader for EPU metadata XML. It is stateless and safe
// for parallel use.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

func (r *Reader) Claims() []string {
	return []string{
		"**/GridSquare_*/Data/FoilHole_*_Data_*.xml",
		"**/GridSquare_*/FoilHoles/FoilHole_*.xml",
		"**/GridSquare_*/GridSquare_*.xml",
		"**/EpuSession.dm",
		"**/Atlas*.xml",
	}
}

// classify maps a claimed path to its hierarchy level. Order matters: an
// exposure path also contains a GridSquare_ segment.
func classify(rel string) (api.Level, bool) {
	switch {
	case api.MatchPath("**/GridSquare_*/Data/FoilHole_*_Data_*.xml", rel):
		return api.LevelExposure, true
	case api.MatchPath("**/GridSquare_*/FoilHoles/FoilHole_*.xml", rel):
		return api.LevelFoilHole, true
	case api.MatchPath("**/GridSquare_*/GridSquare_*.xml", rel):
		return api.LevelGridSquare, true
	case api.MatchPath("**/EpuSession.dm", rel):
		return api.LevelGrid, true
	case api.MatchPath("**/Atlas*.xml", rel):
		return api.LevelAtlas, true
	}
	return 0, false
}

func (r *Reader) Read(fs billy.Filesystem, path string) ([]api.RawRecord, []api.ResultRecord, error) {
	level, ok := classify(path)
	if !ok {
		return nil, nil, fmt.Errorf("%s: not an EPU metadata file", path)
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	doc, err := decodeXML(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	rec := api.RawRecord{
		Level:    level,
		Metadata: extractMetadata(level, doc),
		Source:   path,
	}
	if info, err := fs.Stat(path); err == nil {
		rec.ModTime = info.ModTime()
	}

	// EPU writes a jpeg preview next to each metadata file.
	if jpeg := thumbnailFor(path); jpeg != "" {
		if _, err := fs.Stat(jpeg); err == nil {
			rec.Metadata["thumbnail"] = jpeg
		}
	}
	return []api.RawRecord{rec}, nil, nil
}

// Extraction paths into the decoded XML, borrowed from the EPU schema.
// Stage positions and pixel sizes are converted from metres to nanometres.
var (
	pathStageX     = jp.MustParseString("microscopeData.stage.Position.X")
	pathStageY     = jp.MustParseString("microscopeData.stage.Position.Y")
	pathPixelSize  = jp.MustParseString("SpatialScale.pixelSize.x.numericValue")
	pathReadoutW   = jp.MustParseString("microscopeData.acquisition.camera.ReadoutArea.width")
	pathReadoutH   = jp.MustParseString("microscopeData.acquisition.camera.ReadoutArea.height")
	pathAcquiredAt = jp.MustParseString("microscopeData.acquisition.acquisitionDateTime")
	pathUniqueID   = jp.MustParseString("uniqueID")
	pathSession    = jp.MustParseString("Name")
	pathSessionAt  = jp.MustParseString("StartDateTime")
)

func extractMetadata(level api.Level, doc map[string]any) map[string]any {
	md := map[string]any{}
	if level == api.LevelGrid {
		if v, ok := stringAt(doc, pathSession); ok {
			md["session_name"] = v
		}
		if v, ok := stringAt(doc, pathSessionAt); ok {
			md["session_started_at"] = v
		}
		return md
	}
	if v, ok := floatAt(doc, pathStageX); ok {
		md["stage_position_x"] = v * 1e9
	}
	if v, ok := floatAt(doc, pathStageY); ok {
		md["stage_position_y"] = v * 1e9
	}
	if v, ok := floatAt(doc, pathPixelSize); ok {
		md["pixel_size"] = v * 1e9
	}
	if v, ok := intAt(doc, pathReadoutW); ok {
		md["readout_area_x"] = v
	}
	if v, ok := intAt(doc, pathReadoutH); ok {
		md["readout_area_y"] = v
	}
	if v, ok := stringAt(doc, pathAcquiredAt); ok {
		md["acquired_at"] = v
	}
	if v, ok := stringAt(doc, pathUniqueID); ok {
		md["unique_id"] = v
	}
	return md
}

func stringAt(doc map[string]any, x jp.Expr) (string, bool) {
	v := x.First(doc)
	s, ok := v.(string)
	return s, ok && s != ""
}

func floatAt(doc map[string]any, x jp.Expr) (float64, bool) {
	s, ok := stringAt(doc, x)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func intAt(doc map[string]any, x jp.Expr) (int, bool) {
	s, ok := stringAt(doc, x)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func thumbnailFor(path string) string {
	for _, ext := range []string{".xml", ".dm"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + ".jpg"
		}
	}
	return ""
}
