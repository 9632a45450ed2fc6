package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/brenonaraujo/tasquest.app/domain"
	"github.com/brenonaraujo/tasquest.app/upstream"
)

var errUpstreamInvalidJSON = errors.New("upstream declared json but sent an invalid body")

// proxy relays any request under the client prefix to upstream and relays the
// answer back. Feed listings pass through the enricher on the way out.
func proxy(up Upstream, enricher Enricher, route, feedPath string, logger *log.Logger) echo.HandlerFunc {
	feedPath = strings.TrimRight(feedPath, "/")

	return func(c echo.Context) (err error) {
		req := c.Request()
		metrics, ctx := newRequestMetrics(req.Context(), logger, route, proxySpanName, proxyEventName)
		metrics.SetRequest(req.Method, req.URL.Path)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		body, bodyErr := readForwardBody(req)
		if bodyErr != nil {
			metrics.Fail("read_body", bodyErr)
			return errorJSON(c, bodyErr.Status, bodyErr.Code, bodyErr.Message)
		}

		authorization := req.Header.Get(echo.HeaderAuthorization)
		upstreamStart := time.Now()
		resp, fwdErr := up.Forward(ctx, upstream.Request{
			Method:        req.Method,
			Path:          req.URL.EscapedPath(),
			RawQuery:      req.URL.RawQuery,
			Authorization: authorization,
			Accept:        req.Header.Get(echo.HeaderAccept),
			RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
			Body:          body,
		})
		if fwdErr != nil {
			metrics.ObserveUpstream(0, time.Since(upstreamStart))
			metrics.Fail("upstream", fwdErr)
			return errorJSON(c, http.StatusBadGateway, domain.CodeProxyError, msgProxyError)
		}
		metrics.ObserveUpstream(resp.StatusCode, time.Since(upstreamStart))

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return c.NoContent(http.StatusNoContent)

		case req.Method == http.MethodHead || len(bytes.TrimSpace(resp.Body)) == 0:
			if resp.ContentType != "" {
				c.Response().Header().Set(echo.HeaderContentType, resp.ContentType)
			}
			return c.NoContent(resp.StatusCode)

		case resp.IsJSON():
			if !gjson.ValidBytes(resp.Body) {
				metrics.Fail("decode_upstream", errUpstreamInvalidJSON)
				return errorJSON(c, http.StatusBadGateway, domain.CodeProxyError, msgProxyError)
			}
			out := resp.Body
			if isFeedRequest(up, req, feedPath) && isSuccess(resp.StatusCode) {
				enrichStart := time.Now()
				enriched, stats := enricher.Enrich(ctx, out, authorization)
				metrics.ObserveEnrichment(stats, time.Since(enrichStart))
				out = enriched
			}
			return c.JSONBlob(resp.StatusCode, out)

		default:
			contentType := resp.ContentType
			if contentType == "" {
				contentType = defaultTextContent
			}
			return c.Blob(resp.StatusCode, contentType, resp.Body)
		}
	}
}

// readForwardBody returns the compacted JSON body to forward, or nil when the
// request carries none. Only JSON bodies of body-carrying methods are sent.
func readForwardBody(req *http.Request) ([]byte, *Error) {
	if !carriesBody(req.Method) || req.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxProxyBodySize+1))
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Code: domain.CodeBadRequest, Message: msgInvalidJSON, Cause: err}
	}
	if len(raw) > maxProxyBodySize {
		return nil, &Error{Status: http.StatusRequestEntityTooLarge, Code: domain.CodePayloadTooLarge, Message: msgBodyTooLarge}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !isJSONContent(req.Header.Get(echo.HeaderContentType)) {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, &Error{Status: http.StatusBadRequest, Code: domain.CodeBadRequest, Message: msgInvalidJSON}
	}
	return []byte(gjson.GetBytes(raw, "@ugly").Raw), nil
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isJSONContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, echo.MIMEApplicationJSON) || strings.Contains(ct, "+json")
}

func isFeedRequest(up Upstream, req *http.Request, feedPath string) bool {
	if req.Method != http.MethodGet {
		return false
	}
	rel, ok := up.StripClientPrefix(req.URL.Path)
	if !ok {
		return false
	}
	return strings.TrimRight(rel, "/") == feedPath
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
