package domain

// Payload keys the gateway reads or writes on feed items. Every other key is
// opaque and passed through untouched.
const (
	PayloadTaskTitle = "taskTitle"
	PayloadTitle     = "title"
	PayloadRewardXP  = "rewardXp"
	PayloadDueAt     = "dueAt"
)

// FeedItem is the projection of an upstream feed item that enrichment inspects.
type FeedItem struct {
	TaskID   string
	HasTitle bool
}

// NeedsEnrichment reports whether the item references a task and its payload
// carries neither a task title nor a title.
func (f FeedItem) NeedsEnrichment() bool {
	return f.TaskID != "" && !f.HasTitle
}

// TaskSummary is the minimal projection of an upstream task used to enrich
// feed items.
type TaskSummary struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	RewardXP int64   `json:"rewardXp"`
	DueAt    *string `json:"dueAt"`
}
