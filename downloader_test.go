//go:build !NODOWNLOAD

package diffuser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDownloadOptions(t *testing.T) {
	options := NewDownloadOptions()
	assert.Equal(t, "main", options.Branch)
	assert.Equal(t, 5, options.MaxRetries)
	assert.Equal(t, 5, options.RetryInterval)
	assert.Equal(t, 5, options.ConcurrentConnections)
}

func TestWithRetriesStopsOnSuccess(t *testing.T) {
	options := NewDownloadOptions()
	options.RetryInterval = 0

	calls := 0
	err := withRetries(func() error {
		calls++
		return nil
	}, "list repo", options)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "no further attempts after a success")

	calls = 0
	err = withRetries(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, "list repo", options)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetriesExhaustsAttempts(t *testing.T) {
	options := NewDownloadOptions()
	options.RetryInterval = 0
	options.MaxRetries = 3

	calls := 0
	err := withRetries(func() error {
		calls++
		return errors.New("unreachable")
	}, "list repo", options)
	assert.EqualError(t, err, "unreachable")
	assert.Equal(t, 3, calls)
}
