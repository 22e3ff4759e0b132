package jobstore

import (
	"encoding/json"

	"github.com/teranos/tempo/errors"
)

// DefaultGroup is used when a job or trigger is stored without a group.
const DefaultGroup = "DEFAULT"

// Key identifies a job or trigger by group and name.
type Key struct {
	Group string
	Name  string
}

// NewKey builds a key, substituting DefaultGroup for an empty group.
func NewKey(group, name string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Group: group, Name: name}
}

func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Group == "" && k.Name == ""
}

// JobDataMap is the opaque key-value payload carried by jobs and triggers.
type JobDataMap map[string]string

// MarshalJobData serializes a payload for storage. Empty maps become nil so
// the column stays NULL.
func MarshalJobData(data JobDataMap) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job data")
	}
	return raw, nil
}

// UnmarshalJobData deserializes a stored payload. NULL columns yield nil.
func UnmarshalJobData(raw []byte) (JobDataMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data JobDataMap
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job data")
	}
	return data, nil
}

// JobDetail describes a stored job.
type JobDetail struct {
	Key         Key
	Description string

	// Durable jobs survive having no triggers.
	Durable bool
	// Volatile jobs are discarded on scheduler restart.
	Volatile bool
	// Stateful jobs re-persist their payload after each run and block
	// their other triggers while executing.
	Stateful bool
	// RequestsRecovery jobs are re-fired after an instance crash.
	RequestsRecovery bool

	Data JobDataMap
}

// Validate rejects jobs the store cannot persist.
func (j *JobDetail) Validate() error {
	if j.Key.Name == "" {
		return errors.NewClientError("job name must not be empty")
	}
	return nil
}
