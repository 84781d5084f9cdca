package approver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRemote asks a hosted approver service for the reviewer of a site.
// GET <base>?company_id=..&site_id=.. answers 200 with an Approver, or 404/204
// when the service has no answer and the local walk should decide.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRemote returns a resolver for baseURL. A zero timeout means 8s.
func NewHTTPRemote(baseURL string, timeout time.Duration) (*HTTPRemote, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: remote approver url %q", ErrInvalidRequest, baseURL)
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPRemote{baseURL: u.String(), client: &http.Client{Timeout: timeout}}, nil
}

func (r *HTTPRemote) ResolveApprover(ctx context.Context, companyID, siteID string) (*Approver, error) {
	q := url.Values{}
	q.Set("company_id", companyID)
	q.Set("site_id", siteID)
	target := r.baseURL
	if strings.Contains(target, "?") {
		target += "&" + q.Encode()
	} else {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("remote approver: status %d", resp.StatusCode)
	}

	var a Approver
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&a); err != nil {
		return nil, fmt.Errorf("remote approver: decode: %w", err)
	}
	if strings.TrimSpace(a.ID) == "" {
		return nil, fmt.Errorf("remote approver: response has no id")
	}
	return &a, nil
}
