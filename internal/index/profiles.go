package index

import (
	"database/sql"
	"errors"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
)

// Profile is a profile row.
type Profile struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

const profileColumns = `name, description, created_at, last_used`

// InsertProfile creates a profile row stamped with the transaction time.
// Fails with ValidationError if the name is taken.
func (t *Tx) InsertProfile(name, description string) (*Profile, error) {
	existing, err := t.GetProfile(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Validation("profile %q already exists", name)
	}

	now := toNanos(t.now)
	if _, err := t.tx.Exec(`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?)`,
		name, description, now, now); err != nil {
		return nil, apperr.IO(err, "insert profile %s", name)
	}
	return &Profile{Name: name, Description: description, CreatedAt: t.now, LastUsed: t.now}, nil
}

// GetProfile returns the profile row, or nil if none exists.
func (t *Tx) GetProfile(name string) (*Profile, error) {
	row := t.tx.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IO(err, "get profile %s", name)
	}
	return p, nil
}

// MustGetProfile is GetProfile failing with NotFound for a missing profile.
func (t *Tx) MustGetProfile(name string) (*Profile, error) {
	p, err := t.GetProfile(name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("profile %q", name)
	}
	return p, nil
}

// ListProfiles returns every profile, most recently used first.
func (t *Tx) ListProfiles() ([]Profile, error) {
	rows, err := t.tx.Query(`SELECT ` + profileColumns + ` FROM profiles ORDER BY last_used DESC, name`)
	if err != nil {
		return nil, apperr.IO(err, "list profiles")
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, apperr.IO(err, "scan profile")
		}
		out = append(out, *p)
	}
	return out, apperr.IO(rows.Err(), "iterate profiles")
}

// RenameProfile renames the profile row and re-keys its entries.
func (t *Tx) RenameProfile(oldName, newName string) error {
	if _, err := t.MustGetProfile(oldName); err != nil {
		return err
	}
	taken, err := t.GetProfile(newName)
	if err != nil {
		return err
	}
	if taken != nil {
		return apperr.Validation("profile %q already exists", newName)
	}

	if _, err := t.tx.Exec(`UPDATE profiles SET name = ? WHERE name = ?`, newName, oldName); err != nil {
		return apperr.IO(err, "rename profile %s", oldName)
	}
	if _, err := t.tx.Exec(`UPDATE entries SET profile = ? WHERE profile = ?`, newName, oldName); err != nil {
		return apperr.IO(err, "rename entries of %s", oldName)
	}
	return nil
}

// DeleteProfile removes the profile row. Entries must be released first.
func (t *Tx) DeleteProfile(name string) error {
	res, err := t.tx.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return apperr.IO(err, "delete profile %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("profile %q", name)
	}
	return nil
}

// TouchProfile sets last_used to the transaction time.
func (t *Tx) TouchProfile(name string) error {
	res, err := t.tx.Exec(`UPDATE profiles SET last_used = ? WHERE name = ?`, toNanos(t.now), name)
	if err != nil {
		return apperr.IO(err, "touch profile %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("profile %q", name)
	}
	return nil
}

func scanProfile(s scanner) (*Profile, error) {
	var p Profile
	var created, used int64
	if err := s.Scan(&p.Name, &p.Description, &created, &used); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	p.LastUsed = fromNanos(used)
	return &p, nil
}
