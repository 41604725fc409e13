package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Text field length limits shared by the content service and the feed engine.
const (
	MaxCommentTextLength = 2000
	MaxTitleLength       = 300
	MaxDescriptionLength = 2200
	MaxDisplayNameLength = 50
	MaxFeedPageSize      = 50
	DefaultFeedPageSize  = 10
)

func checkLen(value string, max int, field string) string {
	if utf8.RuneCountInString(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

// CommentText rejects blank comments as well as overlong ones.
func CommentText(s string) string {
	if strings.TrimSpace(s) == "" {
		return "comment must not be empty"
	}
	return checkLen(s, MaxCommentTextLength, "comment")
}

func Title(s string) string       { return checkLen(s, MaxTitleLength, "title") }
func Description(s string) string { return checkLen(s, MaxDescriptionLength, "description") }
func DisplayName(s string) string { return checkLen(s, MaxDisplayNameLength, "display name") }

// PageSize clamps a requested feed page size into 1..MaxFeedPageSize.
// Zero or negative means the default.
func PageSize(n int) int {
	if n <= 0 {
		return DefaultFeedPageSize
	}
	return min(n, MaxFeedPageSize)
}

// FieldLimits returns a map of field names to max lengths.
func FieldLimits() map[string]int {
	return map[string]int{
		"commentText": MaxCommentTextLength,
		"title":       MaxTitleLength,
		"description": MaxDescriptionLength,
		"displayName": MaxDisplayNameLength,
	}
}
