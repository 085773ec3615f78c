package domain

type UnitStatus string

const (
	UnitStatusPending       UnitStatus = "pending"
	UnitStatusResearching   UnitStatus = "researching"
	UnitStatusWriting       UnitStatus = "writing"
	UnitStatusCompleted     UnitStatus = "completed"
	UnitStatusFailed        UnitStatus = "failed"
	UnitStatusNeedsRevision UnitStatus = "needs_revision"
)

// TaskConfig describes one independently generated unit (a chapter). It is
// never modified once dependency resolution starts.
type TaskConfig struct {
	UnitID       int    `json:"unit_id"`
	Title        string `json:"title"`
	Brief        string `json:"brief"`
	Dependencies []int  `json:"dependencies"`
	TargetSize   int    `json:"target_size"`
}

// UnitRecord is the mutable outcome of a unit, stored under its own payload
// key so results from concurrent units merge without conflict.
type UnitRecord struct {
	UnitID   int        `json:"unit_id"`
	Status   UnitStatus `json:"status"`
	Content  string     `json:"content,omitempty"`
	Words    int        `json:"words"`
	Notes    []string   `json:"notes,omitempty"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

func (r UnitRecord) Settled() bool {
	switch r.Status {
	case UnitStatusCompleted, UnitStatusFailed, UnitStatusNeedsRevision:
		return true
	default:
		return false
	}
}

// Requirements is the normalized job input produced by intake.
type Requirements struct {
	Title       string `json:"title"`
	Brief       string `json:"brief"`
	Audience    string `json:"audience,omitempty"`
	Chapters    int    `json:"chapters"`
	TargetWords int    `json:"target_words"`
	Research    bool   `json:"research"`
}

type OutlineChapter struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	DependsOn []int  `json:"depends_on"`
}

type Outline struct {
	Chapters []OutlineChapter `json:"chapters"`
	Linear   bool             `json:"linear,omitempty"`
}

// DocumentInfo describes the assembled artifact. The bytes live in the
// artifact store keyed by session and checksum.
type DocumentInfo struct {
	Format   string `json:"format"`
	Bytes    int    `json:"bytes"`
	Checksum string `json:"checksum"`
	Words    int    `json:"words"`
}

type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewRevise  ReviewAction = "revise"
)

type ReviewDecision struct {
	Action   ReviewAction `json:"action"`
	UnitIDs  []int        `json:"unit_ids,omitempty"`
	Notes    string       `json:"notes,omitempty"`
	Reviewer string       `json:"reviewer,omitempty"`
}

type Plan struct {
	Text    string   `json:"text"`
	Notes   []string `json:"notes,omitempty"`
	ModelID string   `json:"model_id,omitempty"`
}

type ConsistencyIssue struct {
	UnitID int    `json:"unit_id"`
	Note   string `json:"note"`
}

type ConsistencyReport struct {
	Issues  []ConsistencyIssue `json:"issues"`
	Summary string             `json:"summary,omitempty"`
	Skipped bool               `json:"skipped,omitempty"`
}

type QualityReport struct {
	Score   float64  `json:"score"`
	Notes   []string `json:"notes"`
	Skipped bool     `json:"skipped,omitempty"`
}
