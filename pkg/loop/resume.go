package loop

import (
	"fmt"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/todlist"
)

// Resumer is implemented by routines whose run-wide output must be merged
// into what an earlier run wrote, instead of replacing it, when a run only
// re-processes the TODs that run left incomplete.
type Resumer interface {
	Resume(previousRunID string)
}

// resumption restricts a run to some TODs of its window.
type resumption struct {
	from string
	ids  []todlist.ID
}

// WithResume restricts the run to ids, the TODs previousRunID left
// incomplete. The window passed to Run still selects the list positions;
// TODs keep their index in the list. Every id must lie in the window.
func WithResume(previousRunID string, ids ...todlist.ID) Option {
	return func(l *Loop) {
		l.resume = &resumption{from: previousRunID, ids: append([]todlist.ID(nil), ids...)}
	}
}

// todRef is a TOD and its position in the loaded list.
type todRef struct {
	id    todlist.ID
	index int
}

// selectTODs pairs the window's TODs with their list positions, keeping
// only the resumed ones when the run resumes another.
func (l *Loop) selectTODs(window []todlist.ID, start int) ([]todRef, error) {
	var keep map[todlist.ID]bool
	if l.resume != nil {
		keep = make(map[todlist.ID]bool, len(l.resume.ids))
		for _, id := range l.resume.ids {
			keep[id] = false
		}
	}

	refs := make([]todRef, 0, len(window))
	for i, id := range window {
		if keep != nil {
			if _, ok := keep[id]; !ok {
				continue
			}
			keep[id] = true
		}
		refs = append(refs, todRef{id: id, index: start + i})
	}

	for _, id := range l.resume.idsOrNil() {
		if !keep[id] {
			return nil, fmt.Errorf("%w: %s", ErrResumeOutsideWindow, id)
		}
	}
	return refs, nil
}

func (r *resumption) idsOrNil() []todlist.ID {
	if r == nil {
		return nil
	}
	return r.ids
}

// markResumed tells every Resumer in sets which run is being resumed.
func (l *Loop) markResumed(sets [][]routine.Routine) {
	if l.resume == nil {
		return
	}
	for _, set := range sets {
		for _, r := range set {
			if rr, ok := r.(Resumer); ok {
				rr.Resume(l.resume.from)
			}
		}
	}
}
