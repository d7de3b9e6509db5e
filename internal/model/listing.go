package model

import "time"

// Listing は企業が掲載する求人を表す。
type Listing struct {
	ID          string
	CompanyID   string
	Title       string
	CompanyName string
	Description string
	Location    string
	PublishedAt time.Time
}

// Application は求職者による求人への応募を表す。
// (PrincipalID, ListingID) の組はストレージ制約で一意。
type Application struct {
	ID             string
	ListingID      string
	PrincipalID    string
	CandidateEmail string // 表示用の非正規化フィールド
	Description    string
	SubmittedAt    time.Time
}
