package uuid

import "github.com/google/uuid"

func New() string {
	v, err := uuid.NewRandom()
	if err != nil {
		return New()
	}
	return v.String()
}

// Valid checks the canonical text form, used for inbound message keys
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
