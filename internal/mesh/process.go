package mesh

import "fmt"

// Step names reported by Processor.
const (
	StepFloaters   = "floater_removal"
	StepDegenerate = "degenerate_face_removal"
	StepReduce     = "face_reduction"
)

// Reducer lowers a mesh to at most target faces.
type Reducer interface {
	Reduce(m *Mesh, target int) error
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(m *Mesh, target int) error

func (f ReducerFunc) Reduce(m *Mesh, target int) error { return f(m, target) }

// QuadricReducer is the default Reducer.
var QuadricReducer Reducer = ReducerFunc(Decimate)

// StepError is a failed post-processing step. The mesh is carried forward
// from the last step that succeeded.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// StepReport describes one step of a post-processing run.
type StepReport struct {
	Step        string
	Skipped     bool
	FacesBefore int
	FacesAfter  int
	Err         *StepError
}

// Report lists every step in execution order.
type Report struct {
	Steps []StepReport
}

// Errors returns the failed steps.
func (r Report) Errors() []*StepError {
	var errs []*StepError
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// Ran reports whether the named step executed (it may still have failed).
func (r Report) Ran(step string) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return !s.Skipped
		}
	}
	return false
}

// Processor runs floater removal, degenerate face removal and conditional
// face reduction, in that order.
type Processor struct {
	FloaterFaceRatio float64
	Reducer          Reducer
}

// NewProcessor returns a Processor with quadric decimation.
func NewProcessor(floaterFaceRatio float64) *Processor {
	if floaterFaceRatio <= 0 {
		floaterFaceRatio = DefaultFloaterFaceRatio
	}
	return &Processor{FloaterFaceRatio: floaterFaceRatio, Reducer: QuadricReducer}
}

// Run post-processes m and returns the resulting mesh. Each step works on a
// copy; a failing step leaves the previous result untouched. Face reduction
// runs only when the mesh has more than faceCount faces.
func (p *Processor) Run(m *Mesh, faceCount int) (*Mesh, Report) {
	var report Report
	current := m

	step := func(name string, fn func(*Mesh) error) {
		before := len(current.Faces)
		candidate := current.Clone()
		if err := fn(candidate); err != nil {
			report.Steps = append(report.Steps, StepReport{
				Step: name, FacesBefore: before, FacesAfter: before,
				Err: &StepError{Step: name, Err: err},
			})
			return
		}
		current = candidate
		report.Steps = append(report.Steps, StepReport{
			Step: name, FacesBefore: before, FacesAfter: len(current.Faces),
		})
	}

	step(StepFloaters, func(c *Mesh) error {
		_, err := RemoveFloaters(c, p.FloaterFaceRatio)
		return err
	})
	step(StepDegenerate, func(c *Mesh) error {
		_, err := RemoveDegenerateFaces(c)
		return err
	})

	if faceCount > 0 && len(current.Faces) > faceCount {
		step(StepReduce, func(c *Mesh) error {
			if err := p.Reducer.Reduce(c, faceCount); err != nil {
				return err
			}
			if len(c.Faces) > faceCount {
				return fmt.Errorf("reducer left %d faces, want at most %d", len(c.Faces), faceCount)
			}
			return nil
		})
	} else {
		n := len(current.Faces)
		report.Steps = append(report.Steps, StepReport{Step: StepReduce, Skipped: true, FacesBefore: n, FacesAfter: n})
	}
	return current, report
}
