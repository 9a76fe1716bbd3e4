// internal/session/store.go
// Holds the identity of the user logged in to this client.
package session

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Palette is the fixed set of colors a user can be tagged with.
var Palette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd",
	"#7986cb", "#64b5f6", "#4fc3f7", "#4dd0e1",
	"#4db6ac", "#81c784", "#aed581", "#ffb74d",
}

// User is created at login and never modified afterwards.
type User struct {
	DisplayName string `json:"display_name"`
	ColorTag    string `json:"color_tag"`
}

// Picker returns an index in [0, n).
type Picker func(n int) int

// RandomPicker is a cosmetic, non-cryptographic choice.
func RandomPicker(n int) int {
	return rand.IntN(n)
}

// NewUser assigns a color from Palette. A nil pick uses RandomPicker.
func NewUser(displayName string, pick Picker) User {
	if pick == nil {
		pick = RandomPicker
	}
	idx := pick(len(Palette))
	if idx < 0 || idx >= len(Palette) {
		idx = 0
	}
	return User{DisplayName: displayName, ColorTag: Palette[idx]}
}

// ValidName reports whether name has at least one non-space character.
func ValidName(name string) bool {
	return strings.TrimSpace(name) != ""
}

// Store is a single slot holder for the current user.
type Store struct {
	mu   sync.RWMutex
	user *User
}

func NewStore() *Store {
	return &Store{}
}

// Get returns false before login and after Clear.
func (s *Store) Get() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

func (s *Store) Set(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &u
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
}
