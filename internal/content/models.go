package content

import (
	"context"
	"time"
)

type Orientation string

const (
	Vertical   Orientation = "vertical"
	Horizontal Orientation = "horizontal"
)

type Counters struct {
	Views        int64 `json:"views"`
	Likes        int64 `json:"likes"`
	Dislikes     int64 `json:"dislikes"`
	CommentCount int64 `json:"commentCount"`
}

// Add applies a signed delta, never letting a counter drop below zero.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Views:        clampZero(c.Views + d.Views),
		Likes:        clampZero(c.Likes + d.Likes),
		Dislikes:     clampZero(c.Dislikes + d.Dislikes),
		CommentCount: clampZero(c.CommentCount + d.CommentCount),
	}
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

type VideoItem struct {
	ID           string      `json:"id"`
	MediaURI     string      `json:"mediaUri"`
	Orientation  Orientation `json:"orientation"`
	AspectRatio  float64     `json:"aspectRatio"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	AuthorID     string      `json:"authorId"`
	RewardPoints int         `json:"rewardPoints"`
	Counters     Counters    `json:"counters"`
	ThumbnailURI string      `json:"thumbnailUri"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURI   string `json:"avatarUri,omitempty"`
	Verified    bool   `json:"verified"`
}

type Comment struct {
	ID             string    `json:"id"`
	VideoID        string    `json:"videoId"`
	Text           string    `json:"text"`
	Author         Author    `json:"author"`
	CreatedAt      time.Time `json:"createdAt"`
	LikeCount      int64     `json:"likeCount"`
	ViewerHasLiked bool      `json:"viewerHasLiked"`
}

type StatDelta struct {
	Views    int64 `json:"views,omitempty"`
	Likes    int64 `json:"likes,omitempty"`
	Dislikes int64 `json:"dislikes,omitempty"`
}

func (d StatDelta) IsZero() bool {
	return d.Views == 0 && d.Likes == 0 && d.Dislikes == 0
}

// Cursor tracks pagination through the feed. LastLoadedID only moves forward.
type Cursor struct {
	LastLoadedID string
	HasMore      bool
}

// Repository is the remote content store as consumed by the feed engine.
// Pages are ordered newest-first; an empty page means no more data.
type Repository interface {
	FetchPage(ctx context.Context, limit int, cursor string) ([]VideoItem, error)
	RecordStat(ctx context.Context, videoID string, delta StatDelta) error
	FetchComments(ctx context.Context, videoID string) ([]Comment, error)
	AddComment(ctx context.Context, videoID, userID, text string) (Comment, error)
	ToggleCommentLike(ctx context.Context, commentID, userID, videoID string) (bool, error)
	DeleteComment(ctx context.Context, commentID, userID, videoID string) error
}
