// Package identity gives each store instance a stable identifier. The ID is
// a UUID persisted inside the store itself, so it survives restarts, travels
// with the flash image, and is reborn only after a wipe.
package identity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flashkv/internal/flash"
)

// Key is the store key holding the instance ID. Keys 0xfff0-0xffff are
// reserved for the daemon's own records.
const Key uint16 = 0xfffe

// Load returns the instance ID, generating and persisting a fresh one the
// first time a store is seen.
func Load(st *flash.Store) (uuid.UUID, error) {
	raw, err := st.Get(Key, 0)
	switch {
	case err == nil:
		id, perr := uuid.FromBytes(raw)
		if perr != nil {
			return uuid.Nil, fmt.Errorf("stored instance id invalid: %w", perr)
		}
		return id, nil
	case errors.Is(err, flash.ErrNotFound):
	default:
		return uuid.Nil, err
	}

	id := uuid.New()
	if err := st.Set(Key, id[:]); err != nil {
		return uuid.Nil, fmt.Errorf("persisting instance id: %w", err)
	}
	return id, nil
}
