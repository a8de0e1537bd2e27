package detection

// Point is a 2D integer point in frame coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Polygon is an ordered list of points describing a region of interest.
// An empty polygon covers the whole frame.
type Polygon []Point

// PolygonFromPairs converts [x, y] pairs as stored in configuration.
func PolygonFromPairs(pairs [][2]int) Polygon {
	if len(pairs) == 0 {
		return nil
	}
	p := make(Polygon, len(pairs))
	for i, xy := range pairs {
		p[i] = Point{X: xy[0], Y: xy[1]}
	}
	return p
}

// Pairs converts the polygon back to [x, y] pairs.
func (p Polygon) Pairs() [][2]int {
	if len(p) == 0 {
		return nil
	}
	pairs := make([][2]int, len(p))
	for i, pt := range p {
		pairs[i] = [2]int{pt.X, pt.Y}
	}
	return pairs
}

// Contains reports whether (x, y) lies inside the polygon, using ray casting.
// Polygons with fewer than 3 points contain every point.
func (p Polygon) Contains(x, y float64) bool {
	n := len(p)
	if n < 3 {
		return true
	}

	inside := false
	j := n - 1
	for i := range n {
		xi, yi := float64(p[i].X), float64(p[i].Y)
		xj, yj := float64(p[j].X), float64(p[j].Y)

		if ((yi > y) != (yj > y)) && (x < (xj-xi)*(y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Clone returns an independent copy.
func (p Polygon) Clone() Polygon {
	if p == nil {
		return nil
	}
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}

// FilterROI keeps detections whose bounding box centre lies inside roi.
func FilterROI(dets []Detection, roi Polygon) []Detection {
	if len(roi) < 3 {
		return dets
	}
	out := dets[:0:0]
	for _, d := range dets {
		if roi.Contains(d.BBox.Center()) {
			out = append(out, d)
		}
	}
	return out
}
