package api

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/brenonaraujo/tasquest.app/domain"
)

func suggestXP(advisor Advisor, route string, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		req := c.Request()
		metrics, ctx := newRequestMetrics(req.Context(), logger, route, xpSpanName, xpEventName)
		metrics.SetRequest(req.Method, req.URL.Path)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		raw, readErr := io.ReadAll(io.LimitReader(req.Body, maxXPBodySize+1))
		if readErr != nil {
			metrics.Fail("read_body", readErr)
			return errorJSON(c, http.StatusBadRequest, domain.CodeBadRequest, msgInvalidJSON)
		}
		if len(raw) > maxXPBodySize {
			metrics.Fail("read_body", nil)
			return errorJSON(c, http.StatusRequestEntityTooLarge, domain.CodePayloadTooLarge, msgBodyTooLarge)
		}

		var in domain.XPSuggestionRequest
		if len(bytes.TrimSpace(raw)) > 0 {
			if decErr := sonic.ConfigStd.Unmarshal(raw, &in); decErr != nil {
				metrics.Fail("decode_body", decErr)
				return errorJSON(c, http.StatusBadRequest, domain.CodeBadRequest, msgInvalidJSON)
			}
		}
		title := strings.TrimSpace(in.Title)
		if title == "" {
			metrics.Fail("validate", nil)
			return errorJSON(c, http.StatusBadRequest, domain.CodeBadRequest, msgTitleRequired)
		}

		aiStart := time.Now()
		suggestion, aiErr := advisor.SuggestXP(ctx, title, in.Description)
		metrics.ObserveAI(time.Since(aiStart))
		if aiErr != nil {
			metrics.Fail("ai", aiErr)
			return errorJSON(c, http.StatusInternalServerError, domain.CodeAIError, msgAIError)
		}
		return c.JSON(http.StatusOK, suggestion)
	}
}
