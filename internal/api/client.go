// Package api is a client for the Canvas-style LMS REST API used by the
// course sync engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
)

const (
	defaultPerPage = 100
	maxPages       = 1000
	maxErrorBody   = 512

	// Asks the LMS to render numeric ids as JSON strings
	acceptStringIDs = "application/json+canvas-string-ids"
)

// Config configures the LMS client
type Config struct {
	BaseURL      string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	PerPage      int
}

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	logger *observability.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Log(observability.LevelError, msg, keysAndValues...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Log(observability.LevelDebug, msg, keysAndValues...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Log(observability.LevelDebug, msg, keysAndValues...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Log(observability.LevelWarn, msg, keysAndValues...)
}

// Client talks to the LMS REST API
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        *url.URL
	perPage        int
	logger         *observability.Logger
}

// NewClient creates an authenticated LMS client. API calls carry an OAuth2
// bearer token; file downloads use pre-signed URLs and go out without it.
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lms base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid lms base url: %w", err)
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger = logger.WithField("component", "lms_api")

	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}

	authed := newRetryClient(cfg, logger)
	authed.HTTPClient.Transport = &oauth2.Transport{
		Source: tokenSource(cfg, base),
		Base:   authed.HTTPClient.Transport,
	}

	return &Client{
		httpClient:     authed.StandardClient(),
		downloadClient: newRetryClient(cfg, logger).StandardClient(),
		baseURL:        base,
		perPage:        perPage,
		logger:         logger,
	}, nil
}

func newRetryClient(cfg Config, logger *observability.Logger) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = &retryLogger{logger: logger}
	if cfg.RetryMax > 0 {
		retryClient.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		retryClient.HTTPClient.Timeout = cfg.Timeout
	}
	// Hand the final response back instead of a generic "giving up" error
	// so 5xx bodies reach *Error.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return retryClient
}

func tokenSource(cfg Config, base *url.URL) oauth2.TokenSource {
	token := &oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}
	if cfg.RefreshToken == "" || cfg.ClientID == "" {
		return oauth2.StaticTokenSource(token)
	}
	token.RefreshToken = cfg.RefreshToken
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base.String() + "/login/oauth2/auth",
			TokenURL: base.String() + "/login/oauth2/token",
		},
	}
	return oauthCfg.TokenSource(context.Background(), token)
}

// ListCourses returns every course of the user, tabs included
func (c *Client) ListCourses(ctx context.Context) ([]models.APICourse, error) {
	query := url.Values{}
	query.Add("include[]", "tabs")
	return getPaged[models.APICourse](ctx, c, "/api/v1/courses", query)
}

// ListTabs returns the navigation tabs of a course
func (c *Client) ListTabs(ctx context.Context, courseID string) ([]models.APITab, error) {
	return getPaged[models.APITab](ctx, c, "/api/v1/courses/"+url.PathEscape(courseID)+"/tabs", nil)
}

// GetRootFolder returns the course's root folder, or nil if it has none
func (c *Client) GetRootFolder(ctx context.Context, courseID string) (*models.APIFolder, error) {
	// by_path with no path resolves to the root; the response is the folder chain
	folders, err := getPaged[models.APIFolder](ctx, c, "/api/v1/courses/"+url.PathEscape(courseID)+"/folders/by_path", nil)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, nil
	}
	root := folders[len(folders)-1]
	return &root, nil
}

// ListFolderItems returns the immediate sub-folders and files of a folder
func (c *Client) ListFolderItems(ctx context.Context, folderID string) ([]models.FolderItem, error) {
	prefix := "/api/v1/folders/" + url.PathEscape(folderID)

	folders, err := getPaged[models.APIFolder](ctx, c, prefix+"/folders", nil)
	if err != nil {
		return nil, err
	}
	files, err := getPaged[models.APIFile](ctx, c, prefix+"/files", nil)
	if err != nil {
		return nil, err
	}

	items := make([]models.FolderItem, 0, len(folders)+len(files))
	for _, f := range folders {
		items = append(items, models.FolderItemOf(f))
	}
	for _, f := range files {
		items = append(items, models.FileItem(f))
	}
	return items, nil
}

// OpenFile starts downloading a file URL. The caller closes the body.
func (c *Client) OpenFile(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// getPaged follows Link rel="next" headers and concatenates every page
func getPaged[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	next, err := c.endpoint(path, query)
	if err != nil {
		return nil, err
	}

	var out []T
	for page := 0; next != "" && page < maxPages; page++ {
		var items []T
		link, err := c.getJSON(ctx, next, &items)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		next = link
	}
	return out, nil
}

// getObject fetches a single, unpaginated resource
func getObject[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	u, err := c.endpoint(path, query)
	if err != nil {
		return nil, err
	}
	var out T
	if _, err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL.String() + path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range query {
		q[k] = v
	}
	q.Set("per_page", fmt.Sprint(c.perPage))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// getJSON decodes one response into out and returns the next page URL
func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptStringIDs)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithContext(ctx).Warnf("LMS call failed: GET %s: %v", req.URL.Path, err)
		return "", err
	}
	defer resp.Body.Close()

	c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("LMS call")

	if resp.StatusCode >= 400 {
		return "", responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nextLink(resp.Header), nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		Body:       strings.TrimSpace(string(body)),
	}
}

// nextLink extracts the rel="next" URL from an RFC 8288 Link header
func nextLink(h http.Header) string {
	for _, header := range h.Values("Link") {
		for _, part := range strings.Split(header, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segments[1:] {
				param = strings.TrimSpace(param)
				if param == `rel="next"` || param == "rel=next" {
					return target[1 : len(target)-1]
				}
			}
		}
	}
	return ""
}
