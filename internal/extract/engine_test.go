package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/components/telemetry"
	"flurry-extract/internal/flurry"
	"flurry-extract/internal/flurry/flurrytest"
	"flurry-extract/internal/ratelimit"
	"flurry-extract/internal/sink"
	"flurry-extract/internal/transform"

	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeTime) Now() time.Time           { return f.now }
func (f *fakeTime) Location() *time.Location { return f.now.Location() }
func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	return ctx.Err()
}

type pageKey struct {
	date   checkpoint.Date
	offset int
}

type trackedBody struct {
	io.Reader
	closed *int
}

func (b trackedBody) Close() error {
	*b.closed++
	return nil
}

type fakeSession struct {
	loginErr error
	// failures maps the index of a download call to the error it returns
	failures  map[int]error
	pages     map[pageKey]string
	logins    int
	downloads []pageKey
	opened    int
	closed    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{pages: map[pageKey]string{}, failures: map[int]error{}}
}

func (s *fakeSession) setPage(date checkpoint.Date, offset int, rows ...string) {
	s.pages[pageKey{date, offset}] = flurrytest.Header + strings.Join(rows, "")
}

func (s *fakeSession) Login(context.Context) error {
	s.logins++
	return s.loginErr
}

func (s *fakeSession) DownloadPage(_ context.Context, date checkpoint.Date, offset int) (io.ReadCloser, error) {
	call := len(s.downloads)
	s.downloads = append(s.downloads, pageKey{date, offset})
	if err, ok := s.failures[call]; ok {
		return nil, err
	}
	body, ok := s.pages[pageKey{date, offset}]
	if !ok {
		body = flurrytest.Header
	}
	s.opened++
	return trackedBody{Reader: strings.NewReader(body), closed: &s.closed}, nil
}

func row(sessionIndex, event, params string) string {
	return fmt.Sprintf(
		"2012-03-12 10:00, %s, %s, desc, 1.0, iPhone, \"iPhone4,1\", user-1, \"%s\"\r\n",
		sessionIndex, event, params,
	)
}

const (
	delayPerRequest   = time.Second * 2
	delayPerOverlimit = time.Minute
)

type harness struct {
	session *fakeSession
	store   *checkpoint.MemoryStore
	clock   *fakeTime
	out     *bytes.Buffer
	tel     *telemetry.RecordingAPI
	engine  *Engine
}

func newHarness(start checkpoint.Checkpoint) *harness {
	h := &harness{
		session: newFakeSession(),
		store:   checkpoint.NewMemoryStore(&start),
		clock:   &fakeTime{now: time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC)},
		out:     &bytes.Buffer{},
		tel:     &telemetry.RecordingAPI{},
	}
	h.engine = NewEngine(Options{
		Session:         h.session,
		Store:           h.store,
		Sink:            sink.NewWriter(h.out),
		Limiter:         ratelimit.New(delayPerOverlimit),
		Time:            h.clock,
		DelayPerRequest: delayPerRequest,
	}, h.tel)
	return h
}

func (h *harness) lines() []string {
	lines := strings.SplitAfter(h.out.String(), "\r\n")
	return lines[:len(lines)-1]
}

var (
	jan2 = checkpoint.NewDate(2024, 1, 2)
	jan3 = checkpoint.NewDate(2024, 1, 3)
	jan4 = checkpoint.NewDate(2024, 1, 4)
)

func TestRunExtractsUntilCaughtUp(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 10})
	h.session.setPage(jan2, 0, row("1", "Open", "{}"), row("2", "Tap", "{x : 1}"), row("1", "Open", "{}"))
	h.session.setPage(jan2, 2, row("1", "Open", "{}"))
	h.session.setPage(jan3, 0,
		row("2", "Tap", "{}"),
		row("1", "Open", "{}"),
		row("1", "Open", "{}"),
		row("2", "Buy", "{sku : a&amp;b,price : 1,99}"),
	)

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CaughtUp, reason)
	require.Equal(t, Terminated, h.engine.State())

	require.Equal(t, 1, h.session.logins)
	require.Equal(t, []pageKey{{jan2, 0}, {jan2, 2}, {jan2, 3}, {jan3, 0}, {jan3, 2}}, h.session.downloads)
	require.Equal(t, h.session.opened, h.session.closed)

	require.Equal(t, []checkpoint.Checkpoint{
		{Date: jan2, Offset: 2, Session: 12},
		{Date: jan2, Offset: 3, Session: 13},
		{Date: jan3, Offset: 0, Session: 13},
		{Date: jan3, Offset: 2, Session: 15},
		{Date: jan4, Offset: 0, Session: 15},
	}, h.store.Saves)

	lines := h.lines()
	require.Len(t, lines, 8)
	sessions := []string{"11", "11", "12", "13", "13", "14", "15", "15"}
	for i, line := range lines {
		require.True(t, strings.HasSuffix(line, "\r\n"), line)
		require.Contains(t, line, ` Session="`+sessions[i]+`"`)
	}
	require.Contains(t, lines[1], `Tap__x="1"`)
	require.Contains(t, lines[7], `Buy__sku="a&b" Buy__price="1,99"`)

	require.Equal(t, []time.Duration{
		delayPerRequest, delayPerRequest, delayPerRequest, delayPerRequest, delayPerRequest,
	}, h.clock.sleeps)
}

func TestRunAlreadyCaughtUp(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan4, Offset: 3, Session: 1})

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CaughtUp, reason)
	require.Equal(t, 0, h.session.logins)
	require.Empty(t, h.session.downloads)
	require.Empty(t, h.store.Saves)
}

func TestRunRateLimitedTwice(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 4, Session: 9})
	h.session.failures = map[int]error{0: flurry.ErrRateLimited, 1: flurry.ErrRateLimited}

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RateLimitedTwice, reason)

	// one login up front, one after the first denial, none after the second
	require.Equal(t, 2, h.session.logins)
	require.Equal(t, []pageKey{{jan2, 4}, {jan2, 4}}, h.session.downloads)
	require.Equal(t, []time.Duration{delayPerOverlimit}, h.clock.sleeps)
	require.Empty(t, h.store.Saves)
	require.Empty(t, h.out.String())
	require.Len(t, h.tel.Reports("warning"), 2)
}

func TestRunRateLimitedOnceRecovers(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan3, Offset: 0, Session: 0})
	h.session.failures = map[int]error{0: flurry.ErrRateLimited}
	h.session.setPage(jan3, 0, row("1", "Open", "{}"))

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CaughtUp, reason)
	require.Equal(t, 2, h.session.logins)
	require.Equal(t, []pageKey{{jan3, 0}, {jan3, 0}, {jan3, 1}}, h.session.downloads)
	require.Equal(t, []time.Duration{delayPerOverlimit, delayPerRequest, delayPerRequest}, h.clock.sleeps)
	require.Equal(t, []checkpoint.Checkpoint{
		{Date: jan3, Offset: 1, Session: 1},
		{Date: jan4, Offset: 0, Session: 1},
	}, h.store.Saves)
}

func TestRunSeparatedDenialsAreTolerated(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan3, Offset: 0, Session: 0})
	h.session.setPage(jan3, 0, row("1", "Open", "{}"))
	// a success in between resets the tolerance
	h.session.failures = map[int]error{0: flurry.ErrRateLimited, 2: flurry.ErrRateLimited}

	reason, err := h.engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CaughtUp, reason)
	require.Equal(t, 3, h.session.logins)
	require.Equal(t, []pageKey{{jan3, 0}, {jan3, 0}, {jan3, 1}, {jan3, 1}}, h.session.downloads)
	require.False(t, h.engine.limiter.DeniedLastAttempt())
}

func TestRunSchemaMismatch(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	h.session.pages[pageKey{jan2, 0}] = "Session Index, Timestamp, Event, Description, Version, Platform, Device, User ID, Params\r\n" +
		row("1", "Open", "{}")

	reason, err := h.engine.Run(context.Background())
	require.Equal(t, Failed, reason)
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "Session Index", mismatch.Got[0])

	require.Empty(t, h.out.String())
	require.Empty(t, h.store.Saves)
	require.Equal(t, 1, h.session.closed)
}

func TestRunMalformedParamsEmitsNothing(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	h.session.setPage(jan2, 0, row("1", "Open", "{a : 1}"), row("2", "Tap", "{k : v : k2 : v2}"))

	reason, err := h.engine.Run(context.Background())
	require.Equal(t, Failed, reason)
	var malformed *transform.MalformedParamsError
	require.ErrorAs(t, err, &malformed)

	require.Empty(t, h.out.String())
	require.Empty(t, h.store.Saves)
	require.Equal(t, 1, h.session.closed)
	require.NotEmpty(t, h.tel.Reports("broken"))
}

func TestRunLoginFailure(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	h.session.loginErr = flurry.ErrAuthentication

	reason, err := h.engine.Run(context.Background())
	require.Equal(t, Failed, reason)
	require.ErrorIs(t, err, flurry.ErrAuthentication)
	require.Empty(t, h.session.downloads)
}

func TestRunDownloadFailure(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	redirect := &flurry.UnexpectedRedirectError{Requested: "a", Location: "b"}
	h.session.failures = map[int]error{0: redirect}

	reason, err := h.engine.Run(context.Background())
	require.Equal(t, Failed, reason)
	require.ErrorIs(t, err, redirect)
	require.Empty(t, h.store.Saves)
}

func TestRunSaveFailure(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	h.session.setPage(jan2, 0, row("1", "Open", "{}"))
	h.store.SaveErr = errors.New("disk full")

	reason, err := h.engine.Run(context.Background())
	require.Equal(t, Failed, reason)
	require.ErrorIs(t, err, h.store.SaveErr)
	// the page was emitted, it will be emitted again on the next run
	require.Len(t, h.lines(), 1)
	require.Empty(t, h.clock.sleeps)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(checkpoint.Checkpoint{Date: jan2, Offset: 0, Session: 0})
	h.session.setPage(jan2, 0, row("1", "Open", "{}"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason, err := h.engine.Run(ctx)
	require.Equal(t, Failed, reason)
	require.ErrorIs(t, err, context.Canceled)
	// the page that was in flight is still checkpointed
	require.Len(t, h.store.Saves, 1)
}

func TestReadPageSessionCounter(t *testing.T) {
	body := flurrytest.Header +
		row("2", "a", "{}") +
		row("1", "b", "{}") +
		row("1", "c", "{}") +
		row("2", "d", "{}")

	result, lines, err := readPage(strings.NewReader(body), 5)
	require.NoError(t, err)
	require.Equal(t, 2, result.sessions)
	require.Equal(t, 4, result.records)
	for i, session := range []string{"5", "6", "7", "7"} {
		require.Contains(t, lines[i], ` Session="`+session+`"`)
	}
}

func TestReadPageHeaderOnly(t *testing.T) {
	result, lines, err := readPage(strings.NewReader(flurrytest.Header), 5)
	require.NoError(t, err)
	require.Equal(t, pageResult{}, result)
	require.Empty(t, lines)
}

func TestReadPageEmpty(t *testing.T) {
	_, _, err := readPage(strings.NewReader(""), 0)
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestReadPageFieldCount(t *testing.T) {
	_, _, err := readPage(strings.NewReader(flurrytest.Header+"a, 1, b\r\n"), 0)
	require.Error(t, err)
}

func TestReadPageRenamedColumn(t *testing.T) {
	header := strings.Replace(flurrytest.Header, "User ID", "UserID", 1)
	_, _, err := readPage(strings.NewReader(header+row("1", "a", "{}")), 0)
	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
}
