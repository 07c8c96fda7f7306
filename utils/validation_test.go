package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	Role string `json:"role" validate:"required,oneof=user assistant"`
}

type testBody struct {
	Messages  []testMessage `json:"messages" validate:"required,min=1,dive"`
	MaxTokens int           `json:"max_tokens" validate:"gte=0"`
	Session   string        `json:"session_id" validate:"max=8"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		s := testBody{Messages: []testMessage{{Role: "user"}}, MaxTokens: 10}

		err := ValidateStruct(&s)
		assert.NoError(t, err)
	})

	t.Run("missing messages", func(t *testing.T) {
		err := ValidateStruct(&testBody{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "messages is required", fields["messages"])
	})

	t.Run("nested field uses json path", func(t *testing.T) {
		s := testBody{Messages: []testMessage{{Role: "user"}, {Role: "robot"}}}

		err := ValidateStruct(&s)
		require.Error(t, err)

		fields := GetValidationFields(err)
		assert.Equal(t, "messages[1].role must be one of: user assistant", fields["messages[1].role"])
	})

	t.Run("ranges", func(t *testing.T) {
		s := testBody{Messages: []testMessage{{Role: "user"}}, MaxTokens: -1, Session: "much-too-long"}

		err := ValidateStruct(&s)
		require.Error(t, err)

		fields := GetValidationFields(err)
		assert.Contains(t, fields, "max_tokens")
		assert.Contains(t, fields, "session_id")
	})
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "Test validation error",
		Fields: map[string]string{
			"field1": "error1",
		},
	}

	assert.Equal(t, "Test validation error", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "test"}))
	assert.False(t, IsValidationError(assert.AnError))
}

func TestGetValidationFields(t *testing.T) {
	fields := map[string]string{"field1": "error1"}

	assert.Equal(t, fields, GetValidationFields(&ValidationError{Message: "test", Fields: fields}))
	assert.Nil(t, GetValidationFields(assert.AnError))
}
