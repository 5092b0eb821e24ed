package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/piwi3910/cseweave/internal/types"
)

// oneM2M HTTP binding headers.
const (
	headerOrigin               = "X-M2M-Origin"
	headerRequestID            = "X-M2M-RI"
	headerReleaseVersion       = "X-M2M-RVI"
	headerOriginatingTimestamp = "X-M2M-OT"
	headerEventCategory        = "X-M2M-EC"
	headerRSC                  = "X-M2M-RSC"
)

// handlePrimitive is the catch-all for the resource tree: it decodes
// the HTTP request into a request primitive, runs it through the
// dispatcher and writes the response primitive back.
func (s *Server) handlePrimitive(c *gin.Context) {
	req, err := s.bindRequest(c)
	if err != nil {
		writeResponse(c, &types.Response{
			RSC:       types.RSCOf(err),
			RequestID: c.GetHeader(headerRequestID),
			Content:   types.JSON{"m2m:dbg": err.Error()},
		})
		return
	}

	start := time.Now()
	resp := s.cse.Dispatcher().Handle(c.Request.Context(), req)
	s.metrics.RecordPrimitive(req.Operation.String(), int(resp.RSC), time.Since(start))
	writeResponse(c, resp)
}

// bindRequest maps method, path, headers, query and body onto the
// request primitive.
func (s *Server) bindRequest(c *gin.Context) (*types.Request, error) {
	req := &types.Request{
		Target:               targetFromPath(c.Request.URL.Path),
		Originator:           c.GetHeader(headerOrigin),
		RequestID:            c.GetHeader(headerRequestID),
		ReleaseVersion:       c.GetHeader(headerReleaseVersion),
		OriginatingTimestamp: c.GetHeader(headerOriginatingTimestamp),
	}

	if ec := c.GetHeader(headerEventCategory); ec != "" {
		n, err := atoi("event category", ec)
		if err != nil {
			return nil, err
		}
		req.EventCategory = types.EventCategory(n)
	}

	switch c.Request.Method {
	case http.MethodGet:
		req.Operation = types.OperationRetrieve
	case http.MethodPut:
		req.Operation = types.OperationUpdate
	case http.MethodDelete:
		req.Operation = types.OperationDelete
	case http.MethodPost:
		ty, err := resourceTypeParam(c.GetHeader("Content-Type"))
		if err != nil {
			return nil, err
		}
		if ty != 0 {
			req.Operation = types.OperationCreate
			req.Type = ty
		} else {
			req.Operation = types.OperationNotify
		}
	default:
		return nil, types.Errorf(types.RSCOperationNotAllowed, "method %s is not part of the binding", c.Request.Method)
	}

	if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, types.WrapError(types.RSCBadRequest, "reading request body failed", err)
		}
		if len(body) > 0 {
			var content types.JSON
			if err := json.Unmarshal(body, &content); err != nil {
				return nil, types.WrapError(types.RSCBadRequest, "request body is not a JSON object", err)
			}
			req.Content = content
		}
	}

	if err := bindParameters(req, c.Request.URL.Query()); err != nil {
		return nil, err
	}
	return req, nil
}

// targetFromPath maps the URL path onto a oneM2M address. A leading
// "~" segment marks an SP-relative target, a leading "_" an absolute
// one; anything else is CSE-relative.
func targetFromPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	switch {
	case p == "~" || strings.HasPrefix(p, "~/"):
		return strings.TrimPrefix(p, "~")
	case p == "_" || strings.HasPrefix(p, "_/"):
		return "/" + strings.TrimPrefix(p, "_")
	default:
		return p
	}
}

// resourceTypeParam extracts the ty parameter of the Content-Type
// header. Zero means the header carries none, which makes a POST a
// NOTIFY rather than a CREATE.
func resourceTypeParam(raw string) (types.ResourceType, error) {
	if raw == "" {
		return 0, nil
	}
	_, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return 0, types.WrapError(types.RSCBadRequest, "malformed Content-Type header", err)
	}
	tyParam, ok := params["ty"]
	if !ok {
		return 0, nil
	}
	n, err := atoi("resource type", tyParam)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, types.Errorf(types.RSCBadRequest, "invalid resource type %d", n)
	}
	return types.ResourceType(n), nil
}

// bindParameters maps the query string onto the request parameters and
// filter criteria. Unrecognized keys become attribute match conditions.
func bindParameters(req *types.Request, query url.Values) error {
	fc := &types.FilterCriteria{}
	filtered := false

	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		var err error

		switch key {
		case "rcn":
			var n int
			if n, err = atoi(key, value); err == nil {
				req.ResultContent = types.ResultContent(n)
			}
		case "rt":
			var n int
			if n, err = atoi(key, value); err == nil {
				req.ResponseType = types.ResponseTypeValue(n)
			}
		case "ma":
			req.MaxAge = value
		case "fu":
			filtered = true
			var n int
			if n, err = atoi(key, value); err == nil {
				fc.FilterUsage = types.FilterUsage(n)
			}
		case "fo":
			filtered = true
			var n int
			if n, err = atoi(key, value); err == nil {
				fc.FilterOperation = types.FilterOperation(n)
			}
		case "ty":
			filtered = true
			for _, v := range values {
				var n int
				if n, err = atoi(key, v); err != nil {
					break
				}
				fc.ResourceTypes = append(fc.ResourceTypes, types.ResourceType(n))
			}
		case "lbl":
			filtered = true
			fc.Labels = append(fc.Labels, values...)
		case "crb":
			filtered = true
			fc.CreatedBefore = value
		case "cra":
			filtered = true
			fc.CreatedAfter = value
		case "ms":
			filtered = true
			fc.ModifiedSince = value
		case "us":
			filtered = true
			fc.UnmodifiedSince = value
		case "exb":
			filtered = true
			fc.ExpireBefore = value
		case "exa":
			filtered = true
			fc.ExpireAfter = value
		case "lvl":
			filtered = true
			var n int
			if n, err = atoi(key, value); err == nil {
				fc.Level = n
			}
		case "lim":
			filtered = true
			var n int
			if n, err = atoi(key, value); err == nil {
				fc.Limit = n
			}
		case "ofst":
			filtered = true
			var n int
			if n, err = atoi(key, value); err == nil {
				fc.Offset = n
			}
		default:
			filtered = true
			if fc.Attributes == nil {
				fc.Attributes = types.JSON{}
			}
			fc.Attributes[key] = value
		}
		if err != nil {
			return err
		}
	}

	if filtered {
		req.Filter = fc
	}
	return nil
}

// writeResponse renders the response primitive: rsc and request id as
// headers, the primitive content as JSON body.
func writeResponse(c *gin.Context, resp *types.Response) {
	c.Header(headerRSC, strconv.Itoa(int(resp.RSC)))
	if resp.RequestID != "" {
		c.Header(headerRequestID, resp.RequestID)
	}
	if resp.ReleaseVersion != "" {
		c.Header(headerReleaseVersion, resp.ReleaseVersion)
	}
	if resp.OriginatingTimestamp != "" {
		c.Header(headerOriginatingTimestamp, resp.OriginatingTimestamp)
	}

	status := httpStatus(resp.RSC)
	if resp.Content == nil {
		c.Status(status)
		return
	}
	c.JSON(status, resp.Content)
}

// httpStatus maps a oneM2M response status code onto an HTTP status.
func httpStatus(rsc types.ResponseStatusCode) int {
	switch rsc {
	case types.RSCAccepted:
		return http.StatusAccepted
	case types.RSCCreated:
		return http.StatusCreated
	case types.RSCOK, types.RSCDeleted, types.RSCUpdated:
		return http.StatusOK
	case types.RSCNotFound:
		return http.StatusNotFound
	case types.RSCOperationNotAllowed:
		return http.StatusMethodNotAllowed
	case types.RSCRequestTimeout:
		return http.StatusRequestTimeout
	case types.RSCOriginatorHasNoPrivilege, types.RSCOperationDeniedByRemoteEntity:
		return http.StatusForbidden
	case types.RSCConflict, types.RSCAlreadyExists:
		return http.StatusConflict
	case types.RSCNotAcceptable:
		return http.StatusNotAcceptable
	case types.RSCNotImplemented:
		return http.StatusNotImplemented
	case types.RSCTargetNotReachable, types.RSCRemoteEntityNotReachable:
		return http.StatusBadGateway
	}
	switch {
	case rsc >= types.RSCInternalServerError:
		return http.StatusInternalServerError
	case rsc >= types.RSCBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func atoi(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, types.Errorf(types.RSCBadRequest, "parameter %s is not a number: %q", name, value)
	}
	return n, nil
}
