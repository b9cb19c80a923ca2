// Package flurrytest provides a fake Flurry dashboard for tests.
package flurrytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Header is the header row of every export, with the padding the dashboard
// puts after each comma.
const Header = "Timestamp, Session Index, Event, Description, Version, Platform, Device, User ID, Params\r\n"

const sessionCookie = "JSESSIONID"

// Download is a CSV export request the server received.
type Download struct {
	// Interval is the raw intervalCut query value.
	Interval string
	Offset   int
}

// Server imitates the login flow, the CSV export endpoint and the rate limit
// redirect of the dashboard.
type Server struct {
	*httptest.Server

	Email     string
	Password  string
	ProjectID int64
	// Takeover makes a successful login land on the full page takeover
	// interstitial instead of the home page.
	Takeover bool

	mu             sync.Mutex
	pages          map[Download]string
	exportRedirect string
	rateLimited    int
	logins      int
	downloads   []Download
	sessions    map[string]bool
}

func NewServer(email, password string, projectID int64) *Server {
	s := &Server{
		Email:     email,
		Password:  password,
		ProjectID: projectID,
		pages:     map[Download]string{},
		sessions:  map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/secure/login.do", s.loginPage)
	mux.HandleFunc("/secure/loginAction.do", s.loginAction)
	mux.HandleFunc("/home.do", s.static("home"))
	mux.HandleFunc("/fullPageTakeover.do", s.static("takeover"))
	mux.HandleFunc("/rateLimit.html", s.static("slow down"))
	mux.HandleFunc("/eventsLogCsv.do", s.export)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) RateLimitUrl() string {
	return s.URL + "/rateLimit.html"
}

// Interval formats a single day the way the export url does.
func Interval(year, month, day int) string {
	return fmt.Sprintf("customInterval%04d_%02d_%02d-%04d_%02d_%02d", year, month, day, year, month, day)
}

// SetPage sets the rows (without header) served for a day and offset, pages
// that were not set only contain the header.
func (s *Server) SetPage(interval string, offset int, rows ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[Download{Interval: interval, Offset: offset}] = strings.Join(rows, "")
}

// RateLimitNext redirects the next n export requests to the rate limit notice.
func (s *Server) RateLimitNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited = n
}

// RedirectExports sends every following export request to location, which
// may be on another host.
func (s *Server) RedirectExports(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportRedirect = location
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) Downloads() []Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Download(nil), s.downloads...)
}

func (s *Server) static(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}
}

const loginHtml = `<html><body>
<form name="search" action="/search.do"><input name="q" value=""></form>
<form name="loginAction" action="loginAction.do" method="post">
	<input type="hidden" name="struts.token" value="abc123">
	<input type="text" name="loginEmail" value="">
	<input type="password" name="loginPassword" value="">
	<input type="checkbox" name="rememberMe" value="true">
	<input type="submit" value="Log In">
</form>
</body></html>`

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, loginHtml)
}

func (s *Server) loginAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ok := r.PostForm.Get("loginEmail") == s.Email &&
		r.PostForm.Get("loginPassword") == s.Password &&
		r.PostForm.Get("struts.token") == "abc123" &&
		!r.PostForm.Has("rememberMe")
	if !ok {
		http.Redirect(w, r, "/secure/login.do?error=true", http.StatusFound)
		return
	}

	s.mu.Lock()
	s.logins++
	token := "session-" + strconv.Itoa(s.logins)
	s.sessions[token] = true
	takeover := s.Takeover
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/"})
	if takeover {
		http.Redirect(w, r, "/fullPageTakeover.do?next=home.do", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/home.do", http.StatusFound)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookie)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || !s.sessions[cookie.Value] {
		http.Redirect(w, r, "/secure/login.do", http.StatusFound)
		return
	}

	q := r.URL.Query()
	if q.Get("projectID") != strconv.FormatInt(s.ProjectID, 10) ||
		q.Get("versionCut") != "versionsAll" ||
		q.Get("direction") != "1" {
		http.Error(w, "bad export request", http.StatusBadRequest)
		return
	}
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	download := Download{Interval: q.Get("intervalCut"), Offset: offset}
	s.downloads = append(s.downloads, download)

	if s.rateLimited > 0 {
		s.rateLimited--
		// the dashboard drops the session together with the denial
		delete(s.sessions, cookie.Value)
		http.Redirect(w, r, "/rateLimit.html", http.StatusFound)
		return
	}
	if s.exportRedirect != "" {
		http.Redirect(w, r, s.exportRedirect, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	fmt.Fprint(w, Header+s.pages[download])
}
