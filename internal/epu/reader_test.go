package epu

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/gridtrace/api"
)

const imageXML = `<?xml version="1.0" encoding="utf-8"?>
<MicroscopeImage xmlns="http://schemas.datacontract.org/2004/07/Applications.Epu.Persistence">
  <uniqueID>9927127-ab</uniqueID>
  <microscopeData>
    <acquisition>
      <acquisitionDateTime>2024-05-01T10:15:00.31</acquisitionDateTime>
      <camera>
        <ReadoutArea xmlns:a="http://schemas.datacontract.org/2004/07/System.Drawing">
          <a:height>4096</a:height>
          <a:width>5760</a:width>
        </ReadoutArea>
      </camera>
    </acquisition>
    <stage>
      <Position>
        <X>-3.25e-05</X>
        <Y>1.1e-05</Y>
      </Position>
    </stage>
  </microscopeData>
  <SpatialScale>
    <pixelSize>
      <x>
        <numericValue>8.1e-10</numericValue>
        <unit>m</unit>
      </x>
    </pixelSize>
  </SpatialScale>
</MicroscopeImage>`

const sessionDM = `<?xml version="1.0" encoding="utf-8"?>
<EpuSessionXml>
  <Name>bi23047-62</Name>
  <StartDateTime>2024-05-01T09:00:00</StartDateTime>
</EpuSessionXml>`

func TestReader_ExposureMetadata(t *testing.T) {
	fs := memfs.New()
	path := "Atlas_1/Grid_2/Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_101500.xml"
	require.NoError(t, util.WriteFile(fs, path, []byte(imageXML), 0o644))
	require.NoError(t, util.WriteFile(fs, "Atlas_1/Grid_2/Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_101500.jpg", []byte{0xff}, 0o644))

	recs, results, err := NewReader().Read(fs, path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, results)

	rec := recs[0]
	assert.Equal(t, api.LevelExposure, rec.Level)
	assert.InDelta(t, -32500.0, rec.Metadata["stage_position_x"], 1e-6)
	assert.InDelta(t, 11000.0, rec.Metadata["stage_position_y"], 1e-6)
	assert.InDelta(t, 0.81, rec.Metadata["pixel_size"], 1e-9)
	assert.Equal(t, 5760, rec.Metadata["readout_area_x"])
	assert.Equal(t, 4096, rec.Metadata["readout_area_y"])
	assert.Equal(t, "2024-05-01T10:15:00.31", rec.Metadata["acquired_at"])
	assert.Contains(t, rec.Metadata["thumbnail"], "FoilHole_5_Data_9_20240501_101500.jpg")
}

func TestReader_ClassifiesLevels(t *testing.T) {
	cases := map[string]api.Level{
		"Atlas_1/Atlas_1.xml":                                                  api.LevelAtlas,
		"Atlas_1/Grid_2/EpuSession.dm":                                         api.LevelGrid,
		"Atlas_1/Grid_2/GridSquare_101/GridSquare_20240501_094500.xml":         api.LevelGridSquare,
		"GridSquare_101/FoilHoles/FoilHole_5_20240501_100000.xml":              api.LevelFoilHole,
		"Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_1015.xml": api.LevelExposure,
	}
	for path, want := range cases {
		level, ok := classify(path)
		if assert.True(t, ok, path) {
			assert.Equal(t, want, level, path)
		}
	}
	_, ok := classify("GridSquare_101/notes.txt")
	assert.False(t, ok)
}

func TestReader_SessionMetadata(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "Grid_2/EpuSession.dm", []byte(sessionDM), 0o644))

	recs, _, err := NewReader().Read(fs, "Grid_2/EpuSession.dm")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, api.LevelGrid, recs[0].Level)
	assert.Equal(t, "bi23047-62", recs[0].Metadata["session_name"])
}

func TestReader_MalformedXML(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "Atlas_1/Atlas_1.xml", []byte("<MicroscopeImage><unclosed>"), 0o644))

	_, _, err := NewReader().Read(fs, "Atlas_1/Atlas_1.xml")
	require.Error(t, err)
}
