package api

import "testing"

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"**/GridSquare_*/Data/FoilHole_*_Data_*.xml", "Images-Disc1/GridSquare_101/Data/FoilHole_5_Data_9_20240501_101500.xml", true},
		{"**/GridSquare_*/Data/FoilHole_*_Data_*.xml", "GridSquare_101/Data/FoilHole_5_Data_9.xml", true},
		{"**/GridSquare_*/Data/FoilHole_*_Data_*.xml", "GridSquare_101/FoilHoles/FoilHole_5.xml", false},
		{"**/FoilHoles/FoilHole_*.xml", "a/b/c/FoilHoles/FoilHole_5_20240501.xml", true},
		{"**/EpuSession.dm", "EpuSession.dm", true},
		{"**/EpuSession.dm", "Grid_2/EpuSession.dm", true},
		{"Atlas*.xml", "Atlas_1.xml", true},
		{"Atlas*.xml", "sub/Atlas_1.xml", false},
		{"**/*.star", "Processing/CtfFind/job003/micrographs_ctf.star", true},
	}
	for _, c := range cases {
		if got := MatchPath(c.pattern, c.rel); got != c.want {
			t.Errorf("MatchPath(%q, %q) = %v, want %v", c.pattern, c.rel, got, c.want)
		}
	}
}
