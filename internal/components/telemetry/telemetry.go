package telemetry

// API is where components report what happened to them, tests swap in a
// RecordingAPI to assert on the reports.
type API interface {
	// ReportBroken reports a failure that ends the run. id names the failing
	// component as `<type>.<method>`, e.g. `client.download-page`.
	ReportBroken(id string, params ...any)
	// ReportWarning reports something recoverable, such as a rate limit denial.
	ReportWarning(id string, params ...any)
	ReportDebug(msg string, params ...any)
	// ReportCount reports a per page count (records emitted, sessions seen).
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with the package it was created for, so
// `extract` + `engine.run` is reported as `extract.engine.run`.
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) scope(id string) string {
	return s.namespace + "." + id
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.scope(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.scope(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.scope(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.scope(id), count)
}
