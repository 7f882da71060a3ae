package document

// Step is one stage of the processing pipeline.
type Step string

const (
	StepUpload    Step = "upload"
	StepParsing   Step = "parsing"
	StepChunking  Step = "chunking"
	StepEmbedding Step = "embedding"
	StepIndexing  Step = "indexing"
	StepComplete  Step = "complete"
)

// Steps is the ordered step vocabulary.
var Steps = []Step{StepUpload, StepParsing, StepChunking, StepEmbedding, StepIndexing, StepComplete}

// StepStatus is the per-step state recorded in Progress.Steps.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

func stepOrder(s Step) int {
	for i, known := range Steps {
		if known == s {
			return i
		}
	}
	return -1
}

// Progress is observability state for a document run. It never drives control
// flow but is persisted in the same write as the status.
type Progress struct {
	Steps       map[Step]StepStatus `json:"steps"`
	CurrentStep Step                `json:"current_step"`
	StepErrors  map[Step]string     `json:"step_errors"`
}

// NewProgress returns progress for a freshly uploaded document: the upload step
// is done and everything after it is pending.
func NewProgress() Progress {
	p := Progress{}
	p.Reset()
	return p
}

// Reset puts the progress back to the just-uploaded state.
func (p *Progress) Reset() {
	p.Steps = make(map[Step]StepStatus, len(Steps))
	for _, s := range Steps {
		p.Steps[s] = StepPending
	}
	p.Steps[StepUpload] = StepDone
	p.CurrentStep = StepUpload
	p.StepErrors = map[Step]string{}
}

// Start marks step as running. Every earlier step is done by definition and every
// later step goes back to pending, so the record never shows a later step ahead of
// an earlier one.
func (p *Progress) Start(step Step) {
	p.ensure()
	idx := stepOrder(step)
	for i, s := range Steps {
		switch {
		case i < idx:
			p.Steps[s] = StepDone
		case i == idx:
			p.Steps[s] = StepRunning
		default:
			p.Steps[s] = StepPending
		}
	}
	delete(p.StepErrors, step)
	p.CurrentStep = step
}

// Fail records an error against the current step.
func (p *Progress) Fail(msg string) {
	p.ensure()
	step := p.CurrentStep
	if step == "" {
		step = StepUpload
	}
	p.Steps[step] = StepFailed
	p.StepErrors[step] = msg
}

// Complete marks every step done.
func (p *Progress) Complete() {
	p.ensure()
	for _, s := range Steps {
		p.Steps[s] = StepDone
	}
	p.CurrentStep = StepComplete
	p.StepErrors = map[Step]string{}
}

// Consistent reports whether no step is marked done or running after a later
// step that is still pending, and whether CurrentStep is the last non-pending step.
func (p Progress) Consistent() bool {
	seenPending := false
	last := Step("")
	for _, s := range Steps {
		st, ok := p.Steps[s]
		if !ok {
			return false
		}
		if st == StepPending {
			seenPending = true
			continue
		}
		if seenPending {
			return false
		}
		last = s
	}
	return p.CurrentStep == last
}

func (p *Progress) ensure() {
	if p.Steps == nil {
		p.Reset()
	}
	if p.StepErrors == nil {
		p.StepErrors = map[Step]string{}
	}
}
