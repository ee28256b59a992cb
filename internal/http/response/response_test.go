package response

import (
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	type request struct {
		ExternalID int64  `validate:"required,gt=0"`
		Kind       string `validate:"required,oneof=command text"`
		Days       int    `validate:"omitempty,max=365"`
	}

	err := validator.New().Struct(request{Kind: "voice", Days: 400})
	require.Error(t, err)

	resp := ValidationError(err.(validator.ValidationErrors))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t,
		"field ExternalID is a required field, field Kind must be one of [command text], field Days must be at most 365",
		resp.Error)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, Response{Status: StatusOK}, OK())
	assert.Equal(t, Response{Status: StatusOK, Data: 1}, OKWithData(1))
	assert.Equal(t, Response{Status: StatusError, Error: "boom"}, Error("boom"))
}
