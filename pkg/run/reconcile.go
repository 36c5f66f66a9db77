package run

// Outcome describes what [Reconcile] did with a fetched snapshot.
type Outcome int

const (
	// Ignored means the snapshot was dropped entirely: it belongs to another
	// run, or is less advanced and carries nothing new.
	Ignored Outcome = iota

	// Merged means the status was kept but missing fields (transcript,
	// analysis, counts) were filled in from the snapshot.
	Merged

	// Replaced means the snapshot's status was adopted.
	Replaced
)

// String returns the outcome name for logs and metric attributes.
func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Replaced:
		return "replaced"
	default:
		return "ignored"
	}
}

// Reconcile merges fetched into local and returns the run to keep.
//
// The rules, in order:
//
//   - A snapshot for a different run is ignored.
//   - Once local is analyzed its status never changes.
//   - An error snapshot is adopted by any non-analyzed run.
//   - A local error stays an error; only missing fields are merged.
//   - A snapshot whose status ranks equal to or above local is adopted.
//   - A less advanced snapshot never changes status, but a transcript or
//     analysis it newly supplies is merged.
//
// When a snapshot is adopted, fields it lacks are kept from local so that an
// adopted snapshot never erases a transcript or analysis already held.
// Reconcile never mutates its arguments.
func Reconcile(local, fetched Run) (Run, Outcome) {
	if local.ID != "" && fetched.ID != local.ID {
		return local, Ignored
	}
	if !fetched.Status.IsValid() {
		return mergeFields(local, fetched)
	}

	switch {
	case local.Status == StatusAnalyzed:
		return mergeFields(local, fetched)
	case fetched.Status == StatusError:
		return adopt(local, fetched), Replaced
	case local.Status == StatusError:
		return mergeFields(local, fetched)
	case fetched.Status.Rank() >= local.Status.Rank():
		return adopt(local, fetched), Replaced
	default:
		return mergeFields(local, fetched)
	}
}

// adopt takes fetched, back-filling fields it lacks from local.
func adopt(local, fetched Run) Run {
	out := fetched
	fill(&out, local)
	return out
}

// mergeFields keeps local's status and fills local's empty fields from
// fetched. It reports Merged only if something changed.
func mergeFields(local, fetched Run) (Run, Outcome) {
	out := local
	if !fill(&out, fetched) {
		return local, Ignored
	}
	return out, Merged
}

// fill copies each field of src into dst where dst's field is empty. It
// reports whether anything was copied.
func fill(dst *Run, src Run) bool {
	changed := false
	if dst.ID == "" && src.ID != "" {
		dst.ID = src.ID
		changed = true
	}
	if !dst.HasTranscript() && src.HasTranscript() {
		dst.Transcript = src.Transcript
		changed = true
	}
	if !dst.HasAnalysis() && src.HasAnalysis() {
		dst.Analysis = src.Analysis
		changed = true
	}
	if dst.DurationMs == 0 && src.DurationMs != 0 {
		dst.DurationMs = src.DurationMs
		changed = true
	}
	if dst.WordCount == 0 && src.WordCount != 0 {
		dst.WordCount = src.WordCount
		changed = true
	}
	if dst.CreatedAt.IsZero() && !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
		changed = true
	}
	return changed
}
