package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStoreBackend(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateStoreBackend("jsonl"))
	assert.NoError(t, v.ValidateStoreBackend("sqlite"))
	assert.Error(t, v.ValidateStoreBackend(""))
	assert.Error(t, v.ValidateStoreBackend("postgres"))
}

func TestValidateProcessArgs(t *testing.T) {
	v := NewValidator()

	t.Run("empty uses defaults", func(t *testing.T) {
		assert.NoError(t, v.ValidateProcessArgs(nil))
	})

	t.Run("message placeholder present", func(t *testing.T) {
		assert.NoError(t, v.ValidateProcessArgs([]string{"-p", "--prompt={{message}}"}))
	})

	t.Run("message placeholder missing", func(t *testing.T) {
		assert.Error(t, v.ValidateProcessArgs([]string{"-p"}))
	})
}

func TestValidateHookEvent(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateHookEvent("turn_complete"))
	assert.NoError(t, v.ValidateHookEvent(" turn_complete "))
	assert.Error(t, v.ValidateHookEvent("daemon:startup"))
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(65536))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
}
