package episode

// Procedure is one named clinical procedure of an operation, keyed by code.
type Procedure struct {
	Code string
	Name string

	tracker
}

func newProcedure(ref ProcedureRef) *Procedure {
	return &Procedure{Code: ref.Code, Name: ref.Name, tracker: tracker{tracking: true}}
}

func (p *Procedure) update(ref ProcedureRef, tracking bool) {
	p.tracking = tracking
	p.setString("name", &p.Name, ref.Name)
}

// HasChanges reports whether the procedure's name changed.
func (p *Procedure) HasChanges() bool {
	return len(p.changes) > 0
}

// ProcedureList is an ordered list of procedures, deduplicated by code.
type ProcedureList []*Procedure

// Find returns the procedure with the given code, or nil.
func (l ProcedureList) Find(code string) *Procedure {
	for _, p := range l {
		if p.Code == code {
			return p
		}
	}
	return nil
}

// Names returns the procedure names in list order.
func (l ProcedureList) Names() []string {
	names := make([]string, 0, len(l))
	for _, p := range l {
		if p.Name != "" {
			names = append(names, p.Name)
		} else {
			names = append(names, p.Code)
		}
	}
	return names
}

// merge applies refs to the list and returns the procedures appended.
func (l *ProcedureList) merge(refs []ProcedureRef, tracking bool) []*Procedure {
	var added []*Procedure
	for _, ref := range refs {
		if ref.Code == "" {
			continue
		}
		if p := l.Find(ref.Code); p != nil {
			p.update(ref, tracking)
			continue
		}
		p := newProcedure(ref)
		*l = append(*l, p)
		added = append(added, p)
	}
	return added
}
