package model

import "encoding/json"

const masked = "******"

// GuardedString is a confidential value. It never prints or serializes its content.
type GuardedString struct {
	value string
}

func NewGuardedString(value string) GuardedString {
	return GuardedString{value: value}
}

// Reveal returns plain value, use it only at the connector boundary
func (g GuardedString) Reveal() string {
	return g.value
}

func (g GuardedString) IsEmpty() bool {
	return g.value == ""
}

func (g GuardedString) String() string {
	return masked
}

func (g GuardedString) GoString() string {
	return masked
}

func (g GuardedString) MarshalJSON() ([]byte, error) {
	return json.Marshal(masked)
}

// SecretRef is an opaque handle of a value kept in the secret store
type SecretRef struct {
	Key string
}

func (r SecretRef) String() string {
	return masked
}

func (r SecretRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(masked)
}
