package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

// Client issues announcement primitives against a peer CSE over its HTTP
// binding. Targets are SP-relative; the client renders them onto the
// peer's point of access as "~" paths.
type Client struct {
	http    *http.Client
	origin  string
	retries int
	logger  *zap.Logger
}

// NewClient creates a peer client. origin is the hosting CSE-ID sent as
// X-M2M-Origin on every request.
func NewClient(timeout time.Duration, retries int, origin string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 1 {
		retries = 1
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		origin:  origin,
		retries: retries,
		logger:  logger,
	}
}

// Create announces a resource under the SP-relative target on the peer
// and returns the remote resource identifier of the shadow.
func (c *Client) Create(ctx context.Context, poa []string, to string, ty types.ResourceType, body types.JSON) (string, error) {
	content := types.JSON{announcedShortName(ty): body}
	contentType := fmt.Sprintf("application/json;ty=%d", int(ty.Announced()))

	answer, err := c.request(ctx, poa, http.MethodPost, to, contentType, content, types.RSCCreated)
	if err != nil {
		return "", err
	}
	remoteRI := remoteRI(answer)
	if remoteRI == "" {
		return "", types.Errorf(types.RSCTargetNotReachable,
			"peer answered the announcement of %s without a resource identifier", to)
	}
	return remoteRI, nil
}

// Update propagates an attribute delta to an announced shadow.
func (c *Client) Update(ctx context.Context, poa []string, to string, ty types.ResourceType, delta types.JSON) error {
	content := types.JSON{announcedShortName(ty): delta}
	_, err := c.request(ctx, poa, http.MethodPut, to, "application/json", content, types.RSCUpdated)
	return err
}

// Delete removes an announced shadow from the peer.
func (c *Client) Delete(ctx context.Context, poa []string, to string) error {
	_, err := c.request(ctx, poa, http.MethodDelete, to, "", nil, types.RSCDeleted)
	return err
}

// request tries the peer's points of access in order. Per point of access
// the send retries transient failures; a oneM2M error answer is final.
func (c *Client) request(ctx context.Context, poa []string, method, to, contentType string, content types.JSON, want types.ResponseStatusCode) (types.JSON, error) {
	if len(poa) == 0 {
		return nil, types.Errorf(types.RSCTargetNotReachable, "peer has no point of access")
	}

	var payload []byte
	if content != nil {
		var err error
		payload, err = json.Marshal(content)
		if err != nil {
			return nil, types.WrapError(types.RSCInternalServerError, "encoding announcement failed", err)
		}
	}

	var lastErr error
	for _, endpoint := range poa {
		var answer types.JSON
		err := retry.Do(
			func() error {
				var attemptErr error
				answer, attemptErr = c.roundTrip(ctx, endpoint, method, to, contentType, payload, want)
				return attemptErr
			},
			retry.Attempts(uint(c.retries)),
			retry.Delay(250*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err == nil {
			return answer, nil
		}
		lastErr = err
		if rsc := types.RSCOf(err); rsc < types.RSCInternalServerError {
			// The peer answered definitively; another point of access
			// will not change its mind.
			return nil, err
		}
	}
	var typed *types.Error
	if errors.As(lastErr, &typed) {
		return nil, lastErr
	}
	return nil, types.WrapError(types.RSCTargetNotReachable, "peer unreachable", lastErr)
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, to, contentType string, payload []byte, want types.ResponseStatusCode) (types.JSON, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, peerURL(endpoint, to), body)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-M2M-Origin", c.origin)
	req.Header.Set("X-M2M-RI", "anc-"+types.Now())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	rsc := answerRSC(resp)
	if rsc == want {
		var answer types.JSON
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &answer)
		}
		return answer, nil
	}
	err = types.Errorf(rsc, "peer answered %d to %s %s", int(rsc), method, to)
	if resp.StatusCode >= 500 {
		return nil, err
	}
	return nil, retry.Unrecoverable(err)
}

// answerRSC reads the oneM2M status of a peer answer, falling back to the
// HTTP status when the header is absent.
func answerRSC(resp *http.Response) types.ResponseStatusCode {
	if h := resp.Header.Get("X-M2M-RSC"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			return types.ResponseStatusCode(n)
		}
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return types.RSCOK
	case resp.StatusCode == http.StatusNotFound:
		return types.RSCNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return types.RSCBadRequest
	default:
		return types.RSCTargetNotReachable
	}
}

// peerURL renders an SP-relative target onto a point of access. The "~"
// segment marks the rest of the path as SP-relative on the HTTP binding.
func peerURL(endpoint, to string) string {
	return strings.TrimRight(endpoint, "/") + "/~" + to
}

// announcedShortName is the primitive content key of an announced
// variant, e.g. "m2m:aeA".
func announcedShortName(ty types.ResourceType) string {
	return ty.ShortName() + "A"
}

// remoteRI digs the created shadow's resource identifier out of a peer
// answer.
func remoteRI(answer types.JSON) string {
	for _, v := range answer {
		if doc, ok := v.(map[string]any); ok {
			if ri, ok := doc["ri"].(string); ok {
				return ri
			}
		}
	}
	return ""
}
