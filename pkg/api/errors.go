package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/uploads"
)

// mapStoreError maps storage-layer errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapUploadError maps upload-manager errors to HTTP error responses.
func mapUploadError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, uploads.ErrUnknownToken):
		return echo.NewHTTPError(http.StatusNotFound, "unknown or expired upload token")
	case errors.Is(err, uploads.ErrContentTypeMismatch):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "content type does not match the minted mime")
	case errors.Is(err, uploads.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
	}
	slog.Error("Unexpected upload error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
