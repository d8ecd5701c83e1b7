package app

import "github.com/nhle/mailsync/internal/keys"

// KeyMap is the keys package map, re-exported for the root model.
type KeyMap = keys.KeyMap

// DefaultKeyMap delegates to keys.DefaultKeyMap.
func DefaultKeyMap() *KeyMap {
	return keys.DefaultKeyMap()
}
