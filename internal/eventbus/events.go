package eventbus

type PointsChange string

const (
	PointsEarned PointsChange = "earned"
	PointsReset  PointsChange = "reset"
)

type PointsUpdated struct {
	Type    PointsChange `json:"type"`
	VideoID string       `json:"videoId,omitempty"`
	Points  int          `json:"points,omitempty"`
}

type VideoEnded struct {
	VideoID string `json:"videoId"`
}

type AutoScrollNext struct {
	FromVideo string `json:"fromVideo"`
	ToIndex   int    `json:"toIndex"`
}

type VideoTabState struct {
	IsActive bool `json:"isActive"`
}

type ToggleFullScreen struct {
	IsFullScreen bool `json:"isFullScreen"`
}

const (
	ReactionView        = "view"
	ReactionLike        = "like"
	ReactionDislike     = "dislike"
	ReactionComment     = "comment"
	ReactionCommentLike = "comment_like"
)

type ReactionsUpdated struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId,omitempty"`
}

type InterstitialState struct {
	IsVisible bool   `json:"isVisible"`
	Outcome   string `json:"outcome,omitempty"`
}

type CommentError struct {
	VideoID string `json:"videoId"`
	Op      string `json:"op"`
	Message string `json:"message"`
}

var (
	PointsUpdatedTopic     = NewTopic[PointsUpdated]("POINTS_UPDATED")
	VideoEndedTopic        = NewTopic[VideoEnded]("VIDEO_ENDED")
	AutoScrollNextTopic    = NewTopic[AutoScrollNext]("AUTO_SCROLL_NEXT")
	VideoTabStateTopic     = NewTopic[VideoTabState]("VIDEO_TAB_STATE")
	ToggleFullScreenTopic  = NewTopic[ToggleFullScreen]("TOGGLE_FULL_SCREEN")
	ReactionsUpdatedTopic  = NewTopic[ReactionsUpdated]("REACTIONS_UPDATED")
	InterstitialStateTopic = NewTopic[InterstitialState]("INTERSTITIAL_STATE")
	CommentErrorTopic      = NewTopic[CommentError]("COMMENT_ERROR")
)
