package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/brenonaraujo/tasquest.app/domain"
)

// inflateRequest swaps a gzip-encoded request body for its plain stream, so
// the proxy forwards and validates JSON and the XP handler decodes it. The
// route body limits apply to the inflated bytes. Methods the proxy never
// forwards a body for pass through untouched.
func inflateRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !carriesBody(req.Method) || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if !gzipEncoded(req.Header.Values(echo.HeaderContentEncoding)) {
				return next(c)
			}

			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return &Error{Status: http.StatusBadRequest, Code: domain.CodeBadRequest, Message: msgInvalidGzip, Cause: err}
			}
			req.Body = inflatedBody{zr: zr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// gzipEncoded reports whether any listed coding is gzip or its legacy alias.
func gzipEncoded(values []string) bool {
	for _, v := range values {
		for _, coding := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(coding)) {
			case "gzip", "x-gzip":
				return true
			}
		}
	}
	return false
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b inflatedBody) Close() error {
	zerr := b.zr.Close()
	if err := b.raw.Close(); err != nil {
		return err
	}
	return zerr
}
