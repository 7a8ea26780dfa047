package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
)

const fhirJSON = "application/fhir+json"

// FHIRClient pages through FHIR search results. Each page request is retried by
// retryablehttp on connection errors, 429 and 5xx; exhausted retries surface as
// ErrTransient so an outer Resilient can decide what to do next.
type FHIRClient struct {
	baseURL  *url.URL
	http     *retryablehttp.Client
	pageSize int
	bearer   string
}

var _ Client = (*FHIRClient)(nil)

// NewFHIRClient creates a client for the server at cfg.BaseURL
func NewFHIRClient(cfg am.SourceConfig, log *zap.SugaredLogger) (*FHIRClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source base url %q", cfg.BaseURL)
	}
	if log == nil {
		log = logger.Logger
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.Logger = leveledLogger{log.Named("source")}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &FHIRClient{baseURL: base, http: hc, pageSize: pageSize, bearer: cfg.BearerToken}, nil
}

// Search fetches the page named by the continuation token, or the first page
// of [window.Start, window.End) when the token is empty
func (c *FHIRClient) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	target := req.ContinuationToken
	if target == "" {
		target = c.searchURL(req)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s search request", req.ResourceType)
	}
	httpReq.Header.Set("Accept", fhirJSON)
	if c.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s search interrupted", req.ResourceType)
		}
		return nil, transient(errors.Wrapf(err, "GET %s", req.ResourceType))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(errors.Wrapf(err, "failed to read %s search response", req.ResourceType))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transient(errors.Newf("GET %s: status %d", req.ResourceType, resp.StatusCode))
	default:
		err := errors.Newf("GET %s: status %d", req.ResourceType, resp.StatusCode)
		return nil, errors.WithDetail(err, operationOutcome(body))
	}

	page, err := parseBundle(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s search bundle", req.ResourceType)
	}
	return page, nil
}

// searchURL builds {base}/{type}?_lastUpdated=ge..&_lastUpdated=lt..&_count=..
func (c *FHIRClient) searchURL(req SearchRequest) string {
	u := *c.baseURL
	u.Path = u.Path + "/" + url.PathEscape(req.ResourceType)

	q := url.Values{}
	q.Add("_lastUpdated", "ge"+req.Window.Start.UTC().Format(time.RFC3339))
	q.Add("_lastUpdated", "lt"+req.Window.End.UTC().Format(time.RFC3339))
	q.Set("_count", strconv.Itoa(c.pageSize))
	q.Set("_sort", "_lastUpdated")

	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, req.Filters[k])
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// parseBundle extracts entry resources, the next link and the total of a searchset Bundle
func parseBundle(body []byte) (*Page, error) {
	rt, err := jsonparser.GetString(body, "resourceType")
	if err != nil {
		return nil, errors.Wrap(err, "missing resourceType")
	}
	if rt != "Bundle" {
		return nil, errors.Newf("expected Bundle, got %s", rt)
	}

	page := &Page{Total: -1}
	if total, err := jsonparser.GetInt(body, "total"); err == nil {
		page.Total = total
	}

	var entryErr error
	_, err = jsonparser.ArrayEach(body, func(entry []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil || entryErr != nil {
			return
		}
		resource, dt, _, err := jsonparser.Get(entry, "resource")
		if err != nil || dt != jsonparser.Object {
			entryErr = errors.New("bundle entry without resource")
			return
		}
		page.Rows = append(page.Rows, resource)
	}, "entry")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, errors.Wrap(err, "malformed entry array")
	}
	if entryErr != nil {
		return nil, entryErr
	}

	_, err = jsonparser.ArrayEach(body, func(link []byte, _ jsonparser.ValueType, _ int, _ error) {
		relation, _ := jsonparser.GetString(link, "relation")
		if relation == "next" {
			page.NextToken, _ = jsonparser.GetString(link, "url")
		}
	}, "link")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, errors.Wrap(err, "malformed link array")
	}
	return page, nil
}

// operationOutcome summarizes the issues of an OperationOutcome body
func operationOutcome(body []byte) string {
	var issues []string
	_, _ = jsonparser.ArrayEach(body, func(issue []byte, _ jsonparser.ValueType, _ int, _ error) {
		severity, _ := jsonparser.GetString(issue, "severity")
		diag, _ := jsonparser.GetString(issue, "diagnostics")
		issues = append(issues, fmt.Sprintf("%s: %s", severity, diag))
	}, "issue")
	if len(issues) == 0 {
		return "no OperationOutcome in response"
	}
	return "OperationOutcome: " + strings.Join(issues, "; ")
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	*zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}
