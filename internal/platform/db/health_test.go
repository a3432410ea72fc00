package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/platform/apperr"
)

func TestPoolStats_JSON(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 10.0, decoded["total_conns"])
	assert.Equal(t, "1.5s", decoded["acquire_duration"])
	assert.Equal(t, true, decoded["healthy"])
}

func TestHealthHandler_MemoryBackend(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	require.NoError(t, HealthHandler(nil)(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backend":"memory"`)
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsConnectionError(fmt.Errorf("query: %w", context.DeadlineExceeded)))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("insert fact", nil))

	err := Classify("insert fact", &pgconn.PgError{Code: "08006"})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)

	err = Classify("insert fact", &pgconn.PgError{Code: "23505"})
	assert.NotErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "insert fact")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}
