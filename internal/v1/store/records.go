package store

import "errors"

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrFileNotFound  = errors.New("file not found")
)

// Group is a persisted group definition. The admin is always a member;
// the creator is in the member set at creation.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"created_by"`
	Admin     string   `json:"admin"`
	CreatedAt string   `json:"created_at"`
}

// IsMember reports whether user belongs to the group.
func (g *Group) IsMember(user string) bool {
	for _, m := range g.Members {
		if m == user {
			return true
		}
	}
	return false
}

// FileRecord is one entry in the file index. The blob lives in memory
// only; the persisted index carries just the metadata.
type FileRecord struct {
	ID        string `json:"file_id"`
	Name      string `json:"file_name"`
	Size      int64  `json:"file_size"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Complete  bool   `json:"complete"`

	Data []byte `json:"-"`
}

// UserRecord is one entry in the user directory.
type UserRecord struct {
	LastSeen string `json:"last_seen"`
	Endpoint string `json:"endpoint"`
}
