package util

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/dedupe"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// StatusFromError maps domain errors onto HTTP status codes.
func StatusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrNotFound), errors.Is(err, changelog.ErrNoEntries):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidInput),
		errors.Is(err, graph.ErrSelfRelation),
		errors.Is(err, dedupe.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrAlreadyExists),
		errors.Is(err, common.ErrConflict),
		errors.Is(err, dedupe.ErrAlreadyResolved),
		errors.Is(err, dedupe.ErrNoEmbedding):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// JSONError writes err with its mapped status. Internal errors are logged
// and their text is not sent to the client.
func JSONError(c echo.Context, message string, err error) error {
	status := StatusFromError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("[Server] "+message, "path", c.Path(), "err", err)
		return c.JSON(status, ErrorResponse{Message: message})
	}
	return c.JSON(status, ErrorResponse{Message: message, Error: err.Error()})
}

func BadRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Message: message})
}

// SplitList reads a comma-separated query value, dropping empty items.
func SplitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// QueryInt parses an optional integer query value. ok is false only for
// a present but malformed value.
func QueryInt(c echo.Context, name string, def int) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
