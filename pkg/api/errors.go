package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/natea/claimflow/pkg/storage"
)

// mapStorageError maps storage-layer errors to HTTP error responses.
func mapStorageError(err error) *echo.HTTPError {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "claim already exists")
	}
	if errors.Is(err, storage.ErrInvalidClaim) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	slog.Error("Unexpected storage error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
