package model

import "time"

type UserRole string

const (
	RoleOperator UserRole = "operator"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RefreshToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type AssetKind string

const (
	AssetAnimation AssetKind = "animation"
	AssetImage     AssetKind = "image"
	AssetVideo     AssetKind = "video"
)

func (k AssetKind) Valid() bool {
	switch k {
	case AssetAnimation, AssetImage, AssetVideo:
		return true
	}
	return false
}

// Source labels shown next to each asset in the sequence.
const (
	SourceAnimationGenerator = "Animation Generator"
	SourceImageGenerator     = "Image Generator"
	SourceVideoBatch         = "Video Generator"
	SourceVideoHistory       = "Video History"
)

// Asset is one generated artifact in the aggregated sequence. ID is assigned
// once by the producer mapping and is never parsed back apart; SourceSetID and
// SourceIndex carry the producer coordinates instead.
type Asset struct {
	ID              string    `json:"id"`
	Kind            AssetKind `json:"kind"`
	Title           string    `json:"title"`
	URL             string    `json:"url"`
	ThumbnailURL    string    `json:"thumbnail_url"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Order           int       `json:"order"`
	SourceLabel     string    `json:"source_label"`
	SourceID        string    `json:"source_id,omitempty"`
	SourceSetID     string    `json:"source_set_id,omitempty"`
	SourceIndex     int       `json:"source_index"`
}

// ProducerItem is one entry of a producer snapshot.
type ProducerItem struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	Title           string   `json:"title"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	Selected        bool     `json:"selected,omitempty"`
}

type ImageSet struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Items []ProducerItem `json:"items"`
}

// ProducerOutputs is the current state of every producer feeding the
// sequence. AnimationSetID names the image set that mirrors the animation
// results; it is skipped when collecting images.
type ProducerOutputs struct {
	Animations     []ProducerItem `json:"animations"`
	AnimationSetID string         `json:"animation_set_id,omitempty"`
	ImageSets      []ImageSet     `json:"image_sets"`
	VideoBatch     []ProducerItem `json:"video_batch"`
	VideoHistory   []ProducerItem `json:"video_history"`
}

type OrderEntry struct {
	AssetID string `json:"id"`
	Order   int    `json:"order"`
}

// CustomOrder is the persisted override of the collected ordering.
type CustomOrder struct {
	Entries            []OrderEntry `json:"entries"`
	SavedAtEpochMillis int64        `json:"saved_at"`
}

type SequenceEntry struct {
	ID    string    `json:"id"`
	Kind  AssetKind `json:"kind"`
	Order int       `json:"order"`
}

// FinalSequence is pushed to the video assembly step after every edit.
// VisualOrder holds "sourceSetId:index" pairs for the non-video entries.
type FinalSequence struct {
	Entries     []SequenceEntry `json:"entries"`
	VideoIDs    []string        `json:"video_ids"`
	VisualOrder []string        `json:"visual_order"`
}

type GenerationRequest struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Prompt          string   `json:"prompt"`
	ReferenceAssets [][]byte `json:"-"`
}

type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCanceled  BatchStatus = "canceled"
)

type Failure struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

type BatchRun struct {
	ID                string              `json:"id"`
	Status            BatchStatus         `json:"status"`
	Requests          []GenerationRequest `json:"requests"`
	GroupSize         int                 `json:"group_size"`
	CooldownSeconds   int                 `json:"cooldown_seconds"`
	CompletedCount    int                 `json:"completed_count"`
	TotalCount        int                 `json:"total_count"`
	Results           []Asset             `json:"results"`
	Failures          []Failure           `json:"failures"`
	CurrentGroup      int                 `json:"current_group"`
	TotalGroups       int                 `json:"total_groups"`
	CooldownRemaining int                 `json:"cooldown_remaining"`
	CancelRequested   bool                `json:"cancel_requested"`
	StartedAt         time.Time           `json:"started_at"`
	EndedAt           time.Time           `json:"ended_at,omitempty"`
}

type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventGroupStarted     EventType = "group_started"
	EventRequestSucceeded EventType = "request_succeeded"
	EventRequestFailed    EventType = "request_failed"
	EventCooldownTick     EventType = "cooldown_tick"
	EventRunCompleted     EventType = "run_completed"
	EventRunCanceled      EventType = "run_canceled"
	EventSequenceChanged  EventType = "sequence_changed"
)

type Event struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	Topic   string         `json:"topic"`
	Type    EventType      `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
