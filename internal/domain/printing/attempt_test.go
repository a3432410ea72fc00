package printing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/auditcore/internal/platform/apperr"
)

func TestAttempt_HappyPath(t *testing.T) {
	a := NewAttempt(validRequest())
	assert.Equal(t, StateConfiguring, a.State())

	require.NoError(t, a.Validate(DefaultPolicy()))
	assert.Equal(t, StateValidated, a.State())
	require.NoError(t, a.Preview())
	require.NoError(t, a.Preview())
	require.NoError(t, a.Submit())
	require.NoError(t, a.complete())
	assert.True(t, a.Terminal())
}

func TestAttempt_RejectedStaysConfiguring(t *testing.T) {
	req := validRequest()
	req.Justification = ""
	a := NewAttempt(req)

	assert.ErrorIs(t, a.Validate(DefaultPolicy()), apperr.ErrValidation)
	assert.Equal(t, StateConfiguring, a.State())
}

func TestAttempt_IllegalMoves(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Attempt)
		move  func(*Attempt) error
	}{
		{"preview before validate", func(*Attempt) {}, (*Attempt).Preview},
		{"submit before validate", func(*Attempt) {}, (*Attempt).Submit},
		{"validate twice", func(a *Attempt) { _ = a.Validate(DefaultPolicy()) }, func(a *Attempt) error { return a.Validate(DefaultPolicy()) }},
		{"preview after submit", func(a *Attempt) { _ = a.Validate(DefaultPolicy()); _ = a.Submit() }, (*Attempt).Preview},
		{"complete before submit", func(a *Attempt) { _ = a.Validate(DefaultPolicy()) }, (*Attempt).complete},
		{"fail after complete", func(a *Attempt) {
			_ = a.Validate(DefaultPolicy())
			_ = a.Submit()
			_ = a.complete()
		}, (*Attempt).fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAttempt(validRequest())
			tt.setup(a)
			before := a.State()
			err := tt.move(a)
			var te *apperr.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, string(before), te.Current)
			assert.Equal(t, before, a.State())
		})
	}
}

func TestRequest_Defaults(t *testing.T) {
	req := validRequest()
	req.Urgency = ""
	req.DocumentTitle = "  CBC panel "
	a := NewAttempt(req)

	assert.Equal(t, "normal", string(a.Request().Urgency))
	assert.Equal(t, 2, a.Request().PageCount)
	assert.Equal(t, "CBC panel", a.Request().Document.Title)
}
