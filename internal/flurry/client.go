// client.go contains everything that talks to the Flurry dashboard, it knows
// nothing about checkpoints or how pages are turned into records.

package flurry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/components/assert"
	"flurry-extract/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("flurry-extract/flurry")

const (
	report_client_login         = "client.login"
	report_client_download_page = "client.download-page"
)

const (
	DefaultBaseUrl      = "https://dev.flurry.com"
	DefaultRateLimitUrl = "http://www.flurry.com/rateLimit.html"

	loginPath         = "/secure/login.do"
	loginFormSelector = "form[name=loginAction]"
	emailField        = "loginEmail"
	passwordField     = "loginPassword"

	homePath     = "/home.do"
	takeoverPath = "/fullPageTakeover.do"
	csvPath      = "/eventsLogCsv.do"
)

var (
	ErrAuthentication = errors.New("flurry: login failed")
	ErrRateLimited    = errors.New("flurry: rate limited")
)

// UnexpectedRedirectError means a download landed somewhere that is neither
// the requested page nor the rate limit notice.
type UnexpectedRedirectError struct {
	Requested string
	Location  string
}

func (e *UnexpectedRedirectError) Error() string {
	return fmt.Sprintf("flurry: redirected to unexpected location while downloading %s: %s", e.Requested, e.Location)
}

type Options struct {
	// BaseUrl defaults to DefaultBaseUrl.
	BaseUrl string
	// RateLimitUrl defaults to DefaultRateLimitUrl.
	RateLimitUrl string

	Email     string
	Password  string
	ProjectID int64

	// DumpOutput, if set, receives a dump of every buffered HTTP exchange.
	DumpOutput telemetry.InstrumentOutput
}

// Client is an authenticated dashboard session. It owns its cookies and is
// not safe for concurrent use.
type Client struct {
	baseUrl      string
	rateLimitUrl string
	email        string
	password     string
	projectID    int64

	http     *resty.Client
	loggedIn bool

	tel telemetry.API
}

func NewClient(opts Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("flurry", tel)

	if opts.BaseUrl == "" {
		opts.BaseUrl = DefaultBaseUrl
	}
	if opts.RateLimitUrl == "" {
		opts.RateLimitUrl = DefaultRateLimitUrl
	}
	baseUrl := strings.TrimSuffix(opts.BaseUrl, "/")

	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	parsedRateLimitUrl, err := url.Parse(opts.RateLimitUrl)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit url: %w", err)
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	// the rate limit notice lives on a different host than the dashboard
	httpClient.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(maxRedirects),
		stopAtForeignHost(parsedBaseUrl.Hostname(), parsedRateLimitUrl.Hostname()),
	)
	httpClient.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(httpClient, tel, opts.DumpOutput)

	return &Client{
		baseUrl:      baseUrl,
		rateLimitUrl: opts.RateLimitUrl,
		email:        opts.Email,
		password:     opts.Password,
		projectID:    opts.ProjectID,
		http:         httpClient,
		tel:          tel,
	}, nil
}

const maxRedirects = 10

// stopAtForeignHost does not follow redirects that leave the given hosts, the
// redirect response itself is returned so its location can be inspected.
func stopAtForeignHost(hosts ...string) resty.RedirectPolicy {
	allowed := map[string]bool{}
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = true
	}
	return resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if !allowed[strings.ToLower(req.URL.Hostname())] {
			return http.ErrUseLastResponse
		}
		return nil
	})
}

func (c *Client) LoggedIn() bool {
	return c.loggedIn
}

// finalUrl is where the response ended up: the url of the last request made,
// or the target of a redirect that was not followed.
func finalUrl(res *resty.Response) string {
	if res.RawResponse == nil || res.RawResponse.Request == nil {
		return res.Request.URL
	}
	last := res.RawResponse.Request.URL
	location := res.Header().Get("Location")
	if res.StatusCode() >= 300 && res.StatusCode() < 400 && location != "" {
		target, err := last.Parse(location)
		if err == nil {
			return target.String()
		}
	}
	return last.String()
}

func (c *Client) isLandingPage(location string) bool {
	if location == c.baseUrl+homePath {
		return true
	}
	return strings.HasPrefix(location, c.baseUrl+takeoverPath) &&
		strings.Contains(location, strings.TrimPrefix(homePath, "/"))
}

// loginFields collects what a browser would submit for the login form.
func loginFields(form *goquery.Selection) map[string]string {
	fields := map[string]string{}
	form.Find("input[name]").Each(func(_ int, input *goquery.Selection) {
		kind := strings.ToLower(input.AttrOr("type", "text"))
		if kind == "checkbox" || kind == "radio" {
			if _, checked := input.Attr("checked"); !checked {
				return
			}
		}
		fields[input.AttrOr("name", "")] = input.AttrOr("value", "")
	})
	return fields
}

// Login submits the dashboard's login form. It may be called again to get a
// fresh session.
func (c *Client) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	loginError := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		c.tel.ReportBroken(report_client_login, err)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		Get(loginPath)
	if err != nil {
		return loginError(fmt.Errorf("login page request: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return loginError(fmt.Errorf("parse login page: %w", err))
	}

	form := doc.Find(loginFormSelector).First()
	if form.Length() == 0 {
		return loginError(fmt.Errorf("could not find %s", loginFormSelector))
	}
	pageUrl, err := url.Parse(finalUrl(res))
	if err != nil {
		return loginError(fmt.Errorf("parse login page url: %w", err))
	}
	action, err := pageUrl.Parse(form.AttrOr("action", ""))
	if err != nil {
		return loginError(fmt.Errorf("resolve login form action: %w", err))
	}

	fields := loginFields(form)
	fields[emailField] = c.email
	fields[passwordField] = c.password

	res, err = c.http.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(action.String())
	if err != nil {
		return loginError(fmt.Errorf("submit login form: %w", err))
	}

	landing := finalUrl(res)
	if !c.isLandingPage(landing) {
		c.loggedIn = false
		err := fmt.Errorf("%w: redirected to %s", ErrAuthentication, landing)
		span.SetStatus(codes.Error, "unexpected landing page")
		c.tel.ReportWarning(report_client_login, err)
		return err
	}

	c.loggedIn = true
	c.tel.ReportDebug("logged in", landing)
	return nil
}

// PageUrl is the export url for the sessions of a single day starting at
// offset, newest events first.
func (c *Client) PageUrl(date checkpoint.Date, offset int) string {
	return fmt.Sprintf(
		"%s%s?projectID=%d&versionCut=versionsAll&intervalCut=customInterval%04d_%02d_%02d-%04d_%02d_%02d&direction=1&offset=%d",
		c.baseUrl, csvPath,
		c.projectID,
		date.Year, date.Month, date.Day,
		date.Year, date.Month, date.Day,
		offset,
	)
}

// DownloadPage returns the CSV export of one page, the caller must close it.
// A day without any more sessions still yields a header row.
func (c *Client) DownloadPage(ctx context.Context, date checkpoint.Date, offset int) (io.ReadCloser, error) {
	assert.NonNegative(offset)

	ctx, span := tracer.Start(ctx, "client:DownloadPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("date", date.String()),
		attribute.Int("offset", offset),
	)

	endpoint := c.PageUrl(date, offset)
	c.tel.ReportDebug(report_client_download_page, endpoint)

	res, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(endpoint)
	if err != nil {
		if res != nil && res.RawBody() != nil {
			res.RawBody().Close()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.tel.ReportBroken(report_client_download_page, fmt.Errorf("fetch: %w", err), endpoint)
		return nil, fmt.Errorf("download %s: %w", endpoint, err)
	}
	body := res.RawBody()

	landing := finalUrl(res)
	switch {
	case landing == endpoint:
		if res.StatusCode() != http.StatusOK {
			body.Close()
			err := fmt.Errorf("download %s: unexpected status %s", endpoint, res.Status())
			span.SetStatus(codes.Error, "unexpected status")
			c.tel.ReportBroken(report_client_download_page, err)
			return nil, err
		}
		return body, nil
	case landing == c.rateLimitUrl:
		body.Close()
		span.SetStatus(codes.Error, "rate limited")
		return nil, ErrRateLimited
	default:
		body.Close()
		err := &UnexpectedRedirectError{Requested: endpoint, Location: landing}
		span.SetStatus(codes.Error, "unexpected redirect")
		c.tel.ReportBroken(report_client_download_page, err)
		return nil, err
	}
}
