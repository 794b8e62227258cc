package rumor

import (
	"errors"
	"fmt"
)

var (
	// ErrNonExistentRumor is returned when encoding a rumor the store does not hold.
	ErrNonExistentRumor = errors.New("non-existent rumor")
	// ErrEncryptedConfig is returned when decoding a configuration blob that is encrypted.
	ErrEncryptedConfig = errors.New("configuration is encrypted")
)

// NonExistentRumorError names the missing rumor. It matches ErrNonExistentRumor.
type NonExistentRumorError struct {
	Group string
	ID    string
}

func (e *NonExistentRumorError) Error() string {
	return fmt.Sprintf("non-existent rumor: member %q in group %q", e.ID, e.Group)
}

func (e *NonExistentRumorError) Is(target error) bool {
	return target == ErrNonExistentRumor
}
