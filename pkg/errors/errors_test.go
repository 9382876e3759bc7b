package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOfPlainStatus(t *testing.T) {
	err := New(NotFound, "missing %s", "thing")
	assert.Equal(t, NotFound, StatusOf(err).Code)
}

func TestStatusOfAppError(t *testing.T) {
	err := Wrap(OutOfSpace, fmt.Errorf("disk full"), "appending")
	status := StatusOf(err)
	assert.Equal(t, OutOfSpace, status.Code)
	assert.ErrorIs(t, err, err.Cause)
}

func TestStatusOfUnknownErrorDefaultsInternal(t *testing.T) {
	status := StatusOf(fmt.Errorf("boom"))
	assert.Equal(t, Internal, status.Code)
}

func TestOkTreatsWarningDataLossAsSuccess(t *testing.T) {
	assert.True(t, Status{Code: WarningDataLoss}.Ok())
	assert.True(t, Status{Code: OK}.Ok())
	assert.False(t, Status{Code: Internal}.Ok())
}
