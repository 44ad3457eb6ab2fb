package align

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// DefaultDuplicateTolerance is the distance under which two landmarks in
// one set are reported as near-duplicates. Units follow the landmark
// coordinates.
const DefaultDuplicateTolerance = 0.01

// LandmarkDiagnostics summarizes the spatial quality of a landmark set.
// Width, Height and HullArea are only populated for 2D sets.
type LandmarkDiagnostics struct {
	Frame          string      `json:"frame"`
	Count          int         `json:"count"`
	Dim            int         `json:"dim"`
	Width          float64     `json:"width"`
	Height         float64     `json:"height"`
	HullArea       float64     `json:"hullArea"`
	NearDuplicates [][2]string `json:"nearDuplicates,omitempty"`
}

// Diagnose inspects a landmark set and reports its extent, convex hull
// area and any landmark pairs close enough to be suspect duplicates.
func Diagnose(set *LandmarkSet) LandmarkDiagnostics {
	diag := LandmarkDiagnostics{
		Count: set.Len(),
		Dim:   set.Dim(),
	}
	if set != nil {
		diag.Frame = set.Frame
	}
	if bound, ok := LandmarkBound(set); ok {
		diag.Width = bound.Right() - bound.Left()
		diag.Height = bound.Top() - bound.Bottom()
	}
	diag.HullArea = HullArea(set)
	diag.NearDuplicates = NearDuplicateLandmarks(set, DefaultDuplicateTolerance)
	return diag
}

// LandmarkBound returns the bounding box of a 2D landmark set. ok is false
// for empty or non-2D sets.
func LandmarkBound(set *LandmarkSet) (orb.Bound, bool) {
	if set.Len() == 0 || set.Dim() != 2 {
		return orb.Bound{}, false
	}
	mp := make(orb.MultiPoint, 0, set.Len())
	for _, lm := range set.Landmarks {
		mp = append(mp, orb.Point{lm.Position[0], lm.Position[1]})
	}
	return mp.Bound(), true
}

// HullArea returns the area of the convex hull of a 2D landmark set, 0
// when the set spans fewer than three distinct positions.
func HullArea(set *LandmarkSet) float64 {
	if set.Len() < 3 || set.Dim() != 2 {
		return 0
	}
	points := make([]orb.Point, 0, set.Len())
	for _, lm := range set.Landmarks {
		points = append(points, orb.Point{lm.Position[0], lm.Position[1]})
	}
	hull := convexHull(points)
	if len(hull) < 3 {
		return 0
	}
	ring := orb.Ring(append(hull, hull[0]))
	return math.Abs(planar.Area(ring))
}

// convexHull computes the convex hull of a point cloud with the monotone
// chain algorithm. The hull comes back counterclockwise without the
// closing point.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		return nil
	}
	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	var lower []orb.Point
	for _, p := range sorted {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}

	var upper []orb.Point
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	// Each chain repeats the other's endpoint.
	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

// cross returns the z component of (a-o) x (b-o).
func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// NearDuplicateLandmarks returns the name pairs of landmarks in one set
// closer together than the tolerance. Duplicate landmarks usually mean a
// mislabeled observation and distort the fit.
func NearDuplicateLandmarks(set *LandmarkSet, tolerance float64) [][2]string {
	if set.Len() < 2 || set.Dim() != 2 {
		return nil
	}
	var pairs [][2]string
	lms := set.Landmarks
	for i := 0; i < len(lms); i++ {
		for j := i + 1; j < len(lms); j++ {
			a := orb.Point{lms[i].Position[0], lms[i].Position[1]}
			b := orb.Point{lms[j].Position[0], lms[j].Position[1]}
			if planar.Distance(a, b) < tolerance {
				pairs = append(pairs, [2]string{lms[i].Name, lms[j].Name})
			}
		}
	}
	return pairs
}

// SelectReferenceFrame picks the frame the others should be registered
// into: the one with the most landmarks, convex hull area breaking ties,
// frame ID breaking those. A non-empty override wins outright.
func SelectReferenceFrame(sets map[string]*LandmarkSet, override string) string {
	if override != "" {
		return override
	}

	best := ""
	bestCount := 0
	bestArea := 0.0
	for frame, set := range sets {
		count := set.Len()
		area := HullArea(set)
		better := count > bestCount ||
			(count == bestCount && area > bestArea) ||
			(count == bestCount && area == bestArea && frame < best)
		if best == "" || better {
			best = frame
			bestCount = count
			bestArea = area
		}
	}
	return best
}
