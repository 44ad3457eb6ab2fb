package align

import (
	"fmt"
	"sort"
)

// Correspondence pairs the landmarks two frames share by name. Names holds
// the matched landmark names in lexicographic order; Source[i] and Target[i]
// are the positions of Names[i] in each frame. SourceOnly and TargetOnly
// list the names seen in just one of the frames.
type Correspondence struct {
	Names      []string
	Source     PointSet
	Target     PointSet
	SourceOnly []string
	TargetOnly []string
}

// Len returns the number of matched landmark pairs.
func (c *Correspondence) Len() int {
	return len(c.Names)
}

// BuildCorrespondence joins two landmark sets by landmark name. The matched
// names are sorted so the pairing is deterministic regardless of the order
// landmarks arrive in. A name repeated within one set keeps its latest
// position.
func BuildCorrespondence(source, target *LandmarkSet) (*Correspondence, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: nil landmark set", ErrInvalidInput)
	}

	srcByName := make(map[string]Vector, len(source.Landmarks))
	for _, lm := range source.Landmarks {
		srcByName[lm.Name] = lm.Position
	}
	tgtByName := make(map[string]Vector, len(target.Landmarks))
	for _, lm := range target.Landmarks {
		tgtByName[lm.Name] = lm.Position
	}

	corr := &Correspondence{}
	for name := range srcByName {
		if _, ok := tgtByName[name]; ok {
			corr.Names = append(corr.Names, name)
		} else {
			corr.SourceOnly = append(corr.SourceOnly, name)
		}
	}
	for name := range tgtByName {
		if _, ok := srcByName[name]; !ok {
			corr.TargetOnly = append(corr.TargetOnly, name)
		}
	}
	sort.Strings(corr.Names)
	sort.Strings(corr.SourceOnly)
	sort.Strings(corr.TargetOnly)

	corr.Source = make(PointSet, 0, len(corr.Names))
	corr.Target = make(PointSet, 0, len(corr.Names))
	for _, name := range corr.Names {
		sp, tp := srcByName[name], tgtByName[name]
		if len(corr.Source) > 0 {
			if len(sp) != len(corr.Source[0]) {
				return nil, fmt.Errorf("%w: landmark %q is %d-dimensional, frame %q is %d-dimensional",
					ErrInvalidInput, name, len(sp), source.Frame, len(corr.Source[0]))
			}
			if len(tp) != len(corr.Target[0]) {
				return nil, fmt.Errorf("%w: landmark %q is %d-dimensional, frame %q is %d-dimensional",
					ErrInvalidInput, name, len(tp), target.Frame, len(corr.Target[0]))
			}
		}
		corr.Source = append(corr.Source, sp)
		corr.Target = append(corr.Target, tp)
	}

	return corr, nil
}

// LandmarkAlignment is the outcome of aligning two frames through their
// shared landmarks.
type LandmarkAlignment struct {
	Result     *AlignmentResult
	Names      []string
	SourceOnly []string
	TargetOnly []string
}

// AlignLandmarks estimates the transform mapping source-frame coordinates
// into the target frame using the landmarks the two frames share by name.
// minCommon raises the required number of shared landmarks; values below 2
// are treated as 2 since a similarity transform needs at least two pairs.
func AlignLandmarks(source, target *LandmarkSet, minCommon int) (*LandmarkAlignment, error) {
	corr, err := BuildCorrespondence(source, target)
	if err != nil {
		return nil, err
	}

	required := minCommon
	if required < 2 {
		required = 2
	}
	if corr.Len() < required {
		return nil, fmt.Errorf("%w: frames %q and %q share %d landmarks, need at least %d",
			ErrDegenerateInput, source.Frame, target.Frame, corr.Len(), required)
	}

	result, err := Align(corr.Source, corr.Target)
	if err != nil {
		return nil, fmt.Errorf("aligning %q onto %q: %w", source.Frame, target.Frame, err)
	}

	return &LandmarkAlignment{
		Result:     result,
		Names:      corr.Names,
		SourceOnly: corr.SourceOnly,
		TargetOnly: corr.TargetOnly,
	}, nil
}
