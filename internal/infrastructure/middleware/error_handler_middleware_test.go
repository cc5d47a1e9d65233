package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"stagecast/internal/core/domain"
	apperrors "stagecast/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMapErrorDomainSentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		condition apperrors.Condition
		status    int
	}{
		{"session not found", domain.ErrSessionNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"participant not found", domain.ErrParticipantNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"transport not found", domain.ErrTransportNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"producer not found", domain.ErrProducerNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"destination not found", domain.ErrDestinationNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"job not found", domain.ErrJobNotFound, apperrors.CondNotFound, http.StatusNotFound},
		{"forbidden", domain.ErrForbidden, apperrors.CondForbidden, http.StatusForbidden},
		{"not ready", domain.ErrNotReady, apperrors.CondNotReady, http.StatusConflict},
		{"capability mismatch", domain.ErrCapabilityMismatch, apperrors.CondCapabilityMismatch, http.StatusConflict},
		{"negotiation timeout", domain.ErrNegotiationTimeout, apperrors.CondTimeout, http.StatusGatewayTimeout},
		{"invalid transition", domain.ErrInvalidTransition, apperrors.CondConflict, http.StatusConflict},
		{"job active", domain.ErrJobActive, apperrors.CondConflict, http.StatusConflict},
		{"direction mismatch", domain.ErrDirectionMismatch, apperrors.CondInvalidInput, http.StatusBadRequest},
		{"unknown", errors.New("disk on fire"), apperrors.CondInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := MapError(tt.err)
			assert.Equal(t, tt.condition, appErr.Condition)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
		})
	}
}

func TestMapErrorWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("cannot start: %w", domain.ErrInvalidTransition)
	appErr := MapError(wrapped)
	assert.Equal(t, apperrors.CondConflict, appErr.Condition)
}

func TestMapErrorPassesThroughAppError(t *testing.T) {
	orig := apperrors.NewTimeout("gave up")
	assert.Same(t, orig, MapError(orig))
	assert.Same(t, orig, MapError(fmt.Errorf("outer: %w", orig)))
}

func newErrorHandlerRouter(handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/test", handler)
	return router
}

func TestErrorHandlerRendersCondition(t *testing.T) {
	router := newErrorHandlerRouter(func(c *gin.Context) {
		c.Error(domain.ErrSessionNotFound)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"condition":"NOT_FOUND","message":"session not found"}`, w.Body.String())
}

func TestErrorHandlerIgnoresCleanRequests(t *testing.T) {
	router := newErrorHandlerRouter(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestRecoveryMiddlewareHandlesPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"condition":"INTERNAL_ERROR","message":"internal server error"}`, w.Body.String())
}
