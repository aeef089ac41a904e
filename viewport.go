package chatsync

// ScrollThreshold is the distance from an edge, in rendered units, at which
// the next page is requested.
const ScrollThreshold = 100.0

// Viewport is the scroll geometry of a rendered list.
type Viewport struct {
	ScrollTop    float64
	ClientHeight float64
	ScrollHeight float64
}

// NearTop reports whether older content should be loaded.
func (v Viewport) NearTop() bool {
	return v.ScrollTop < ScrollThreshold
}

// NearBottom reports whether more list entries should be loaded.
func (v Viewport) NearBottom() bool {
	return v.ScrollHeight-v.ScrollTop-v.ClientHeight < ScrollThreshold
}

// PreserveOffset returns the scroll position that keeps the visible content
// in place after content of height newHeight-prevHeight was added above it.
func (v Viewport) PreserveOffset(prevHeight, newHeight float64) float64 {
	return newHeight - prevHeight + v.ScrollTop
}
