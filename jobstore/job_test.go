package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
)

func TestNewKey(t *testing.T) {
	key := NewKey("", "cleanup")
	assert.Equal(t, DefaultGroup, key.Group)
	assert.Equal(t, "cleanup", key.Name)
	assert.Equal(t, "DEFAULT.cleanup", key.String())

	key = NewKey("billing", "invoice")
	assert.Equal(t, "billing.invoice", key.String())
}

func TestKeyIsZero(t *testing.T) {
	assert.True(t, Key{}.IsZero())
	assert.False(t, Key{Group: "billing", Name: "invoice"}.IsZero())
}

func TestJobDetailValidate(t *testing.T) {
	job := &JobDetail{Key: Key{Group: "billing", Name: "invoice"}}
	assert.NoError(t, job.Validate())

	nameless := &JobDetail{Key: Key{Group: "billing"}}
	err := nameless.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))
}

func TestJobDataRoundTrip(t *testing.T) {
	data := JobDataMap{"recipient": "ops@example.com", "format": "pdf"}

	raw, err := MarshalJobData(data)
	require.NoError(t, err)

	loaded, err := UnmarshalJobData(raw)
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestJobDataEmpty(t *testing.T) {
	raw, err := MarshalJobData(nil)
	require.NoError(t, err)

	loaded, err := UnmarshalJobData(raw)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
