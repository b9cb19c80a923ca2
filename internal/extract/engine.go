// Package extract drives the extraction loop: it walks the checkpoint forward
// one page at a time, turning every page into flattened records.
//
// Events logged close to local midnight may be lost or duplicated: whether a
// day is complete is decided against the local calendar, which can disagree
// with the dashboard's clock.
package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/components/assert"
	"flurry-extract/internal/components/chrono"
	"flurry-extract/internal/components/telemetry"
	"flurry-extract/internal/flurry"
	"flurry-extract/internal/ratelimit"
	"flurry-extract/internal/sink"
	"flurry-extract/internal/transform"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("flurry-extract/extract")
	meter  = otel.Meter("flurry-extract/extract")
)

const (
	report_engine_run          = "engine.run"
	report_engine_process_page = "engine.process-page"
	report_engine_rate_limited = "engine.rate-limited"
	report_engine_save         = "engine.save-checkpoint"
)

// Columns is the header every export must have.
var Columns = []string{
	"Timestamp", "Session Index", "Event", "Description", "Version",
	"Platform", "Device", "User ID", "Params",
}

const sessionIndexColumn = 1

type SchemaMismatchError struct {
	Got []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("export header changed: expected %q, got %q", Columns, e.Got)
}

// Session is the authenticated connection to the dashboard.
type Session interface {
	Login(ctx context.Context) error
	// DownloadPage returns flurry.ErrRateLimited when the dashboard denies
	// the request.
	DownloadPage(ctx context.Context, date checkpoint.Date, offset int) (io.ReadCloser, error)
}

type State int

const (
	Idle State = iota
	Authenticating
	Fetching
	Processing
	Advancing
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Fetching:
		return "fetching"
	case Processing:
		return "processing"
	case Advancing:
		return "advancing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason is why Run stopped.
type Reason int

const (
	// CaughtUp means every fully elapsed day has been extracted.
	CaughtUp Reason = iota
	// RateLimitedTwice means the dashboard denied two requests in a row.
	RateLimitedTwice
	// Failed means Run returned an error.
	Failed
)

func (r Reason) String() string {
	switch r {
	case CaughtUp:
		return "caught-up"
	case RateLimitedTwice:
		return "rate-limited-twice"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	Session Session
	Store   checkpoint.Store
	Sink    sink.Sink
	Limiter *ratelimit.Limiter
	Time    chrono.API
	// DelayPerRequest is waited after every processed page.
	DelayPerRequest time.Duration
}

type Engine struct {
	session         Session
	store           checkpoint.Store
	sink            sink.Sink
	limiter         *ratelimit.Limiter
	time            chrono.API
	delayPerRequest time.Duration

	state    State
	loggedIn bool

	pages       metric.Int64Counter
	records     metric.Int64Counter
	rateLimited metric.Int64Counter

	tel telemetry.API
}

func NewEngine(opts Options, tel telemetry.API) *Engine {
	assert.NotNil(opts.Session)
	assert.NotNil(opts.Store)
	assert.NotNil(opts.Sink)
	assert.NotNil(opts.Limiter)
	assert.NotNil(opts.Time)
	assert.NotNil(tel)

	tel = telemetry.NewScopedAPI("extract", tel)

	// the global meter provider is a no-op unless metrics are exported, and
	// instrument creation only fails on invalid names
	pages, _ := meter.Int64Counter("flurry.pages", metric.WithDescription("export pages processed"))
	records, _ := meter.Int64Counter("flurry.records", metric.WithDescription("records emitted"))
	rateLimited, _ := meter.Int64Counter("flurry.rate_limited", metric.WithDescription("requests denied by rate limiting"))

	return &Engine{
		session:         opts.Session,
		store:           opts.Store,
		sink:            opts.Sink,
		limiter:         opts.Limiter,
		time:            opts.Time,
		delayPerRequest: opts.DelayPerRequest,
		pages:           pages,
		records:         records,
		rateLimited:     rateLimited,
		tel:             tel,
	}
}

func (e *Engine) State() State {
	return e.state
}

func (e *Engine) transition(s State) {
	e.tel.ReportDebug("state", e.state.String(), s.String())
	e.state = s
}

func (e *Engine) terminate(reason Reason, err error) (Reason, error) {
	e.transition(Terminated)
	if err != nil {
		e.tel.ReportBroken(report_engine_run, err)
	}
	return reason, err
}

func (e *Engine) login(ctx context.Context) error {
	e.transition(Authenticating)
	err := e.session.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	e.loggedIn = true
	return nil
}

func (e *Engine) today() checkpoint.Date {
	return checkpoint.DateOf(e.time.Now())
}

// Run extracts pages until every elapsed day is done, the dashboard keeps
// denying requests or something breaks. The stored checkpoint only ever
// reflects fully emitted pages.
func (e *Engine) Run(ctx context.Context) (Reason, error) {
	cp, err := e.store.Load(ctx)
	if err != nil {
		return e.terminate(Failed, fmt.Errorf("load checkpoint: %w", err))
	}

	for {
		today := e.today()
		// the dashboard lists events newest first, so a day can only be
		// paged through safely once it is over
		if !cp.Date.Before(today) {
			e.tel.ReportDebug("all events extracted up to yesterday", cp.String())
			return e.terminate(CaughtUp, nil)
		}

		if !e.loggedIn {
			err := e.login(ctx)
			if err != nil {
				return e.terminate(Failed, err)
			}
		}

		e.transition(Fetching)
		e.tel.ReportDebug("downloading", cp.Date.String(), cp.Offset)
		body, err := e.session.DownloadPage(ctx, cp.Date, cp.Offset)
		if errors.Is(err, flurry.ErrRateLimited) {
			e.rateLimited.Add(ctx, 1)
			action := e.limiter.OnRateLimited()
			if action.Kind == ratelimit.GiveUp {
				e.tel.ReportWarning(report_engine_rate_limited, "rate limited twice, giving up", cp.String())
				return e.terminate(RateLimitedTwice, nil)
			}

			e.tel.ReportWarning(report_engine_rate_limited, "retrying", action.Delay.String())
			err := e.time.Sleep(ctx, action.Delay)
			if err != nil {
				return e.terminate(Failed, err)
			}
			err = e.login(ctx)
			if err != nil {
				return e.terminate(Failed, err)
			}
			continue
		}
		if err != nil {
			return e.terminate(Failed, fmt.Errorf("download %s: %w", cp, err))
		}
		e.limiter.OnSuccess()

		e.transition(Processing)
		page, err := e.processPage(ctx, body, cp.Session)
		if err != nil {
			return e.terminate(Failed, fmt.Errorf("process %s: %w", cp, err))
		}

		e.transition(Advancing)
		next, caughtUp := cp.Advance(page.sessions, today)
		if caughtUp {
			e.tel.ReportDebug("all events extracted", cp.String())
			return e.terminate(CaughtUp, nil)
		}
		err = e.store.Save(ctx, next)
		if err != nil {
			e.tel.ReportBroken(report_engine_save, err, next.String())
			return e.terminate(Failed, fmt.Errorf("save checkpoint: %w", err))
		}
		cp = next

		err = e.time.Sleep(ctx, e.delayPerRequest)
		if err != nil {
			return e.terminate(Failed, err)
		}
	}
}

type pageResult struct {
	sessions int
	records  int
}

// processPage reads, transforms and emits one page. Nothing is written to the
// sink unless every row of the page transformed cleanly. body is always closed.
func (e *Engine) processPage(ctx context.Context, body io.ReadCloser, session int64) (pageResult, error) {
	defer body.Close()

	ctx, span := tracer.Start(ctx, "engine:processPage")
	defer span.End()

	result, lines, err := readPage(body, session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read page")
		e.tel.ReportBroken(report_engine_process_page, err)
		return pageResult{}, err
	}
	span.SetAttributes(
		attribute.Int("sessions", result.sessions),
		attribute.Int("records", result.records),
	)

	for _, line := range lines {
		err := e.sink.WriteLine(line)
		if err != nil {
			return pageResult{}, fmt.Errorf("write record: %w", err)
		}
	}
	err = e.sink.Flush()
	if err != nil {
		return pageResult{}, fmt.Errorf("flush sink: %w", err)
	}

	e.pages.Add(ctx, 1)
	e.records.Add(ctx, int64(result.records))
	e.tel.ReportCount("records", int64(result.records))
	return result, nil
}

func trimAll(fields []string) []string {
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// readPage parses a CSV page into rendered lines, numbering sessions from
// session+1 onwards.
func readPage(r io.Reader, session int64) (pageResult, []string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return pageResult{}, nil, &SchemaMismatchError{}
	}
	if err != nil {
		return pageResult{}, nil, fmt.Errorf("read header: %w", err)
	}
	header = trimAll(header)
	if !slices.Equal(header, Columns) {
		return pageResult{}, nil, &SchemaMismatchError{Got: header}
	}

	var result pageResult
	var lines []string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pageResult{}, nil, fmt.Errorf("read row: %w", err)
		}
		row = trimAll(row)

		if row[sessionIndexColumn] == "1" {
			session++
			result.sessions++
		}

		record, err := transform.Transform(header, row, session)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return pageResult{}, nil, fmt.Errorf("line %d: %w", line, err)
		}
		lines = append(lines, record.Line())
		result.records++
	}
	return result, lines, nil
}
