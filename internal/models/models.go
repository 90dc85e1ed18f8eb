package models

import "time"

// User represents an authenticated user.
type User struct {
	ID               string    `json:"id" db:"id"`
	Username         string    `json:"username" db:"username"`
	PasswordHash     string    `json:"-" db:"password_hash"`
	FactorioUsername string    `json:"factorio_username,omitempty" db:"factorio_username"`
	FactorioToken    string    `json:"-" db:"factorio_token"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ModList represents a named, shareable list of mods.
type ModList struct {
	ID        string    `json:"id" db:"id"`
	Owner     string    `json:"owner" db:"owner"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Mod represents a single entry in a mod list. Name is unique per list.
// Dependencies holds the raw info.json dependency array as a JSON-encoded
// string of declaration strings, or "" when the mod declares none.
type Mod struct {
	ID           string `json:"id" db:"id"`
	ModlistID    string `json:"modlist_id" db:"modlist_id"`
	Name         string `json:"name" db:"name"`
	Version      string `json:"version,omitempty" db:"version"`
	Enabled      bool   `json:"enabled" db:"enabled"`
	Essential    bool   `json:"essential" db:"essential"`
	Icebox       bool   `json:"icebox" db:"icebox"`
	Dependencies string `json:"dependencies,omitempty" db:"dependencies"`
}

// Collaborator grants a user shared access to a mod list.
type Collaborator struct {
	ModlistID string    `json:"modlist_id" db:"modlist_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
