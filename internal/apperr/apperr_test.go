package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", Validation("content exceeds %d characters", 2000), http.StatusBadRequest, "validation_error"},
		{"forbidden", Forbidden("not a participant"), http.StatusForbidden, "forbidden"},
		{"not found", NotFound("conversation"), http.StatusNotFound, "not_found"},
		{"conflict", Conflict("direct conversation exists"), http.StatusConflict, "conflict"},
		{"transient", Transient("create message", errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "unavailable"},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("message")), http.StatusNotFound, "not_found"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestPublicHidesDriverDetails(t *testing.T) {
	err := Transient("create message", errors.New("pq: password authentication failed"))
	assert.NotContains(t, Public(err), "pq")
	assert.Equal(t, "access denied", Public(Forbidden("user %s is not a participant", "x")))
}
