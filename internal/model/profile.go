package model

import "time"

// DefaultPlan は初回サインイン時に割り当てられるプラン。
const DefaultPlan = "Basic Plan"

// Profile はアプリケーション側のユーザー記録。IdentityのIDをキーとする。
// Planは業務上の決定であり、サインイン時の同期処理では上書きしない。
type Profile struct {
	ID        string     `json:"id"`
	FullName  string     `json:"full_name"`
	Email     string     `json:"email"`
	Plan      string     `json:"plan"`
	AvatarURL string     `json:"avatar_url"`
	Provider  string     `json:"provider"`
	IsMentor  bool       `json:"is_mentor"`
	Mentor    MentorInfo `json:"mentor"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MentorInfo はメンターとして登録されたユーザーの付帯情報。
type MentorInfo struct {
	Subjects       []string `json:"subjects"`
	Specialization string   `json:"specialization"`
	Rating         float64  `json:"rating"`
	Experience     string   `json:"experience"`
	IsAvailable    bool     `json:"is_available"`
}

// SameSyncedFields はサインイン同期の対象フィールドがすべて一致するかを返す。
func (p *Profile) SameSyncedFields(other *Profile) bool {
	return p.FullName == other.FullName &&
		p.Email == other.Email &&
		p.AvatarURL == other.AvatarURL &&
		p.Provider == other.Provider
}
