package dataset

// Windows holds aligned input windows, targets and site labels.
type Windows struct {
	Inputs  [][][]float64 // windows × window length × features
	Targets [][]float64   // windows × parameters
	Sites   []string
	Length  int
	Gap     int
}

// Len is the number of windows.
func (w *Windows) Len() int {
	if w == nil {
		return 0
	}
	return len(w.Inputs)
}

// Width is the number of features per timestep, or 0 for an empty set.
func (w *Windows) Width() int {
	if w.Len() == 0 || len(w.Inputs[0]) == 0 {
		return 0
	}
	return len(w.Inputs[0][0])
}

// BuildWindows slides a cursor of windowLen rows across features with step 1
// and pairs each slice with the target row windowLen+gap-1 rows after its
// start. Positions whose target falls past the end of the table are dropped,
// so a table of n rows yields max(0, n-windowLen-gap+1) windows. A
// non-positive gap or window length yields no windows.
func BuildWindows(features, targets [][]float64, sites []string, windowLen, gap int) *Windows {
	w := &Windows{Length: windowLen, Gap: gap}
	if windowLen <= 0 || gap <= 0 {
		return w
	}

	n := len(features)
	if len(targets) < n {
		n = len(targets)
	}
	count := n - windowLen - gap + 1
	if count <= 0 {
		return w
	}

	w.Inputs = make([][][]float64, 0, count)
	w.Targets = make([][]float64, 0, count)
	w.Sites = make([]string, 0, count)
	for i := 0; i < count; i++ {
		window := make([][]float64, windowLen)
		for k := 0; k < windowLen; k++ {
			window[k] = append([]float64(nil), features[i+k]...)
		}
		w.Inputs = append(w.Inputs, window)
		w.Targets = append(w.Targets, append([]float64(nil), targets[i+windowLen+gap-1]...))

		site := ""
		if i < len(sites) {
			site = sites[i]
		}
		w.Sites = append(w.Sites, site)
	}
	return w
}
