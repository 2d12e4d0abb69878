package domain

import "time"

// Collection names. Favorites and pending lists are scoped per user through
// FavoritesCollection and PendingCollection.
const (
	CollectionUsers   = "users"
	CollectionChat    = "chat"
	CollectionCatalog = "catalog"
)

// FavoritesCollection returns the favorites collection owned by userID.
func FavoritesCollection(userID string) string {
	return "favorites/" + userID
}

// PendingCollection returns the reading-list collection owned by userID.
func PendingCollection(userID string) string {
	return "pending/" + userID
}

// Session identifies the user every write is attributed to.
type Session struct {
	UserID string `json:"userId"`
}

// Valid reports whether the session carries a user.
func (s Session) Valid() bool {
	return s.UserID != ""
}

type RecordKind string

const (
	KindFavorite RecordKind = "favorite"
	KindPending  RecordKind = "pending"
)

// Collection returns the collection holding records of this kind for userID.
func (k RecordKind) Collection(userID string) string {
	if k == KindPending {
		return PendingCollection(userID)
	}
	return FavoritesCollection(userID)
}

func (k RecordKind) Valid() bool {
	return k == KindFavorite || k == KindPending
}

type PendingStatus string

const (
	StatusPending PendingStatus = "pending"
	StatusRead    PendingStatus = "read"
)

// Toggle maps pending to read and read to pending.
func (s PendingStatus) Toggle() PendingStatus {
	if s == StatusRead {
		return StatusPending
	}
	return StatusRead
}

func (s PendingStatus) Valid() bool {
	return s == StatusPending || s == StatusRead
}

// RecommendedRating is the fixed rating written when a favorite is rated.
const RecommendedRating = 5

// LibraryRecord is a book reference kept in a favorites or pending list.
// Favorite-only fields: Recommended, Rating, RatedAt.
// Pending-only fields: Status, UpdatedAt.
type LibraryRecord struct {
	ID             string        `json:"id"`
	Kind           RecordKind    `json:"kind"`
	Title          string        `json:"title"`
	Author         string        `json:"author"`
	Description    string        `json:"description"`
	ThumbnailURL   string        `json:"thumbnailUrl"`
	UserID         string        `json:"userId"`
	OriginalBookID string        `json:"originalBookId"`
	AddedAt        time.Time     `json:"addedAt"`
	Recommended    bool          `json:"recommended,omitempty"`
	Rating         int           `json:"rating,omitempty"`
	RatedAt        *time.Time    `json:"ratedAt,omitempty"`
	Status         PendingStatus `json:"status,omitempty"`
	UpdatedAt      *time.Time    `json:"updatedAt,omitempty"`
}

type PendingStats struct {
	Total   int `json:"total"`
	Read    int `json:"read"`
	Pending int `json:"pending"`
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

func (r ChatRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type ChatMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProfile is the public view of a registered user. Credentials live only
// in the stored user document.
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type CatalogBook struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Description  string `json:"description"`
	ThumbnailURL string `json:"thumbnailUrl"`
	ThumbnailKey string `json:"-"`
}
