package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
)

// Stored field names.
const (
	fieldTitle          = "title"
	fieldAuthor         = "author"
	fieldDescription    = "description"
	fieldThumbnailURL   = "thumbnailUrl"
	fieldThumbnailKey   = "thumbnailKey"
	fieldUserID         = "userId"
	fieldOriginalBookID = "originalBookId"
	fieldAddedAt        = "addedAt"
	fieldKind           = "kind"
	fieldRecommended    = "recommended"
	fieldRating         = "rating"
	fieldRatedAt        = "ratedAt"
	fieldStatus         = "status"
	fieldUpdatedAt      = "updatedAt"
	fieldRole           = "role"
	fieldContent        = "content"
	fieldTimestamp      = "timestamp"
	fieldName           = "name"
	fieldEmail          = "email"
	fieldPasswordHash   = "passwordHash"
	fieldCreatedAt      = "createdAt"
)

func libraryFields(rec domain.LibraryRecord) docstore.Fields {
	f := docstore.Fields{
		fieldKind:           string(rec.Kind),
		fieldTitle:          rec.Title,
		fieldAuthor:         rec.Author,
		fieldDescription:    rec.Description,
		fieldThumbnailURL:   rec.ThumbnailURL,
		fieldUserID:         rec.UserID,
		fieldOriginalBookID: rec.OriginalBookID,
		fieldAddedAt:        docstore.FormatTime(rec.AddedAt),
	}
	switch rec.Kind {
	case domain.KindFavorite:
		f[fieldRecommended] = rec.Recommended
		f[fieldRating] = rec.Rating
		if rec.RatedAt != nil {
			f[fieldRatedAt] = docstore.FormatTime(*rec.RatedAt)
		}
	case domain.KindPending:
		f[fieldStatus] = string(rec.Status)
		if rec.UpdatedAt != nil {
			f[fieldUpdatedAt] = docstore.FormatTime(*rec.UpdatedAt)
		}
	}
	return f
}

// decodeLibraryRecord validates a favorites or pending document. kind is the
// list the document was read from.
func decodeLibraryRecord(kind domain.RecordKind, doc docstore.Document) (domain.LibraryRecord, error) {
	f := doc.Fields
	rec := domain.LibraryRecord{
		ID:             doc.ID,
		Kind:           kind,
		Title:          strings.TrimSpace(f.String(fieldTitle)),
		Author:         f.String(fieldAuthor),
		Description:    f.String(fieldDescription),
		ThumbnailURL:   f.String(fieldThumbnailURL),
		UserID:         f.String(fieldUserID),
		OriginalBookID: f.String(fieldOriginalBookID),
	}
	if rec.Title == "" {
		return rec, errors.New("title missing")
	}
	if stored := f.String(fieldKind); stored != "" && stored != string(kind) {
		return rec, fmt.Errorf("kind %q stored in %s list", stored, kind)
	}
	addedAt, ok, err := f.Time(fieldAddedAt)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, errors.New("addedAt missing")
	}
	rec.AddedAt = addedAt

	switch kind {
	case domain.KindFavorite:
		rec.Recommended = f.Bool(fieldRecommended)
		rec.Rating = f.Int(fieldRating)
		if rec.RatedAt, err = optionalTime(f, fieldRatedAt); err != nil {
			return rec, err
		}
	case domain.KindPending:
		rec.Status = domain.PendingStatus(f.String(fieldStatus))
		if !rec.Status.Valid() {
			return rec, fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
		}
		if rec.UpdatedAt, err = optionalTime(f, fieldUpdatedAt); err != nil {
			return rec, err
		}
	default:
		return rec, ErrInvalidKind
	}
	return rec, nil
}

func optionalTime(f docstore.Fields, key string) (*time.Time, error) {
	t, ok, err := f.Time(key)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func chatFields(msg domain.ChatMessage) docstore.Fields {
	return docstore.Fields{
		fieldRole:      string(msg.Role),
		fieldContent:   msg.Content,
		fieldTimestamp: docstore.FormatTime(msg.Timestamp),
	}
}

func decodeChatMessage(doc docstore.Document) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:      doc.ID,
		Role:    domain.ChatRole(doc.Fields.String(fieldRole)),
		Content: doc.Fields.String(fieldContent),
	}
	if !msg.Role.Valid() {
		return msg, fmt.Errorf("invalid role %q", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, errors.New("content empty")
	}
	ts, ok, err := doc.Fields.Time(fieldTimestamp)
	if err != nil {
		return msg, err
	}
	if !ok {
		return msg, errors.New("timestamp missing")
	}
	msg.Timestamp = ts
	return msg, nil
}

func decodeUserProfile(doc docstore.Document) (domain.UserProfile, error) {
	u := domain.UserProfile{
		ID:    doc.ID,
		Name:  doc.Fields.String(fieldName),
		Email: doc.Fields.String(fieldEmail),
	}
	if u.Email == "" {
		return u, errors.New("email missing")
	}
	createdAt, _, err := doc.Fields.Time(fieldCreatedAt)
	if err != nil {
		return u, err
	}
	u.CreatedAt = createdAt
	return u, nil
}

func catalogFields(b domain.CatalogBook) docstore.Fields {
	f := docstore.Fields{
		fieldTitle:        b.Title,
		fieldAuthor:       b.Author,
		fieldDescription:  b.Description,
		fieldThumbnailURL: b.ThumbnailURL,
	}
	if b.ThumbnailKey != "" {
		f[fieldThumbnailKey] = b.ThumbnailKey
	}
	return f
}

func decodeCatalogBook(doc docstore.Document) (domain.CatalogBook, error) {
	b := domain.CatalogBook{
		ID:           doc.ID,
		Title:        strings.TrimSpace(doc.Fields.String(fieldTitle)),
		Author:       doc.Fields.String(fieldAuthor),
		Description:  doc.Fields.String(fieldDescription),
		ThumbnailURL: doc.Fields.String(fieldThumbnailURL),
		ThumbnailKey: doc.Fields.String(fieldThumbnailKey),
	}
	if b.Title == "" {
		return b, errors.New("title missing")
	}
	return b, nil
}
