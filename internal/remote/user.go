package remote

import (
	"context"
	"fmt"
	"sort"
)

// UserRecord is an immutable snapshot of a user entity.
// It is replaced wholesale on refetch and never patched in place.
type UserRecord struct {
	ID      string
	Role    string
	Profile map[string]string
}

// ProfileKeys returns the profile field names in sorted order.
func (u UserRecord) ProfileKeys() []string {
	keys := make([]string, 0, len(u.Profile))
	for k := range u.Profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UserFromEntity decodes a user entity. The "role" field becomes Role and
// every other string-valued field lands in Profile.
func UserFromEntity(e Entity) (UserRecord, error) {
	if e.ID == "" {
		return UserRecord{}, fmt.Errorf("user entity missing id")
	}
	u := UserRecord{ID: e.ID, Profile: make(map[string]string)}
	for k, v := range e.Fields {
		if k == "id" {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if k == "role" {
			u.Role = s
			continue
		}
		u.Profile[k] = s
	}
	return u, nil
}

// FetchUser loads and decodes the user with the given id.
func FetchUser(ctx context.Context, s Store, id string) (UserRecord, error) {
	e, err := s.FetchEntity(ctx, KindUser, id)
	if err != nil {
		return UserRecord{}, err
	}
	return UserFromEntity(e)
}
