package telemetry

import "sync"

// Report is a single call made to a RecordingAPI.
type Report struct {
	Kind   string
	ID     string
	Params []any
}

// RecordingAPI is an API that keeps every report in memory, it exists so tests
// can assert on what a component reported.
type RecordingAPI struct {
	mu      sync.Mutex
	reports []Report
}

func (r *RecordingAPI) record(kind, id string, params []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Kind: kind, ID: id, Params: params})
}

func (r *RecordingAPI) ReportBroken(id string, params ...any) {
	r.record("broken", id, params)
}

func (r *RecordingAPI) ReportWarning(id string, params ...any) {
	r.record("warning", id, params)
}

func (r *RecordingAPI) ReportDebug(msg string, params ...any) {
	r.record("debug", msg, params)
}

func (r *RecordingAPI) ReportCount(id string, count int64) {
	r.record("count", id, []any{count})
}

// Reports returns the reports of the given kind ("broken", "warning",
// "debug", "count"), or all of them if kind is empty.
func (r *RecordingAPI) Reports(kind string) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Report
	for _, rep := range r.reports {
		if kind == "" || rep.Kind == kind {
			out = append(out, rep)
		}
	}
	return out
}
