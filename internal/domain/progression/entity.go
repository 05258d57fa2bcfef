// Package progression содержит доменную модель прогресса участника сообщества:
// опыт, уровни и ежедневные чекины. Здесь нет внешних зависимостей.
package progression

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVELING
// ══════════════════════════════════════════════════════════════════════════════

// XPPerLevel - множитель опыта, необходимого для следующего уровня.
const XPPerLevel = 500

// XPToNextLevel возвращает количество XP, необходимое для перехода с уровня level.
// Формула: level × 500.
func XPToNextLevel(level int) int {
	return level * XPPerLevel
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// Stats - прогресс пользователя. Ключ совпадает с ключом User.
type Stats struct {
	// XP - накопленный опыт на текущем уровне (>= 0).
	XP int `json:"xp"`

	// TotalXPNeeded - опыт, необходимый для следующего уровня (> 0).
	TotalXPNeeded int `json:"total_xp_needed"`

	// Level - текущий уровень (>= 1).
	Level int `json:"level"`
}

// NewStats возвращает начальный прогресс нового пользователя.
func NewStats() Stats {
	return Stats{
		XP:            0,
		TotalXPNeeded: XPToNextLevel(1),
		Level:         1,
	}
}

// AddXP начисляет опыт и повышает уровень, если порог достигнут.
// Проверка срабатывает не более одного раза за вызов: остаток сверх порога
// переносится на новый уровень, но награда, пересекающая два порога, даёт
// только один уровень. Возвращает true, если уровень был повышен.
func (s *Stats) AddXP(amount int) bool {
	s.XP += amount
	if s.TotalXPNeeded-s.XP <= 0 {
		s.XP -= s.TotalXPNeeded
		s.Level++
		s.TotalXPNeeded = XPToNextLevel(s.Level)
		return true
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKIN
// ══════════════════════════════════════════════════════════════════════════════

// ProofType - классификация доказательства чекина.
type ProofType string

const (
	// ProofNone - доказательство не приложено.
	ProofNone ProofType = "none"
	// ProofNote - произвольный текст без проверки.
	ProofNote ProofType = "note"
	// ProofContribution - активность, подтверждённая внешним сервисом.
	ProofContribution ProofType = "contribution"
)

// IsValid проверяет, что классификация корректна.
func (p ProofType) IsValid() bool {
	switch p {
	case ProofNone, ProofNote, ProofContribution:
		return true
	default:
		return false
	}
}

// ClassifyProof возвращает классификацию непроверенного доказательства.
func ClassifyProof(proof string) ProofType {
	if proof == "" {
		return ProofNone
	}
	return ProofNote
}

// Checkin - неизменяемое событие чекина.
type Checkin struct {
	// UserID - владелец чекина.
	UserID string `json:"user_id"`

	// Date - время чекина (UTC).
	Date time.Time `json:"date"`

	// Proof - доказательство в свободной форме.
	Proof string `json:"proof"`

	// ProofType - классификация доказательства.
	ProofType ProofType `json:"proof_type"`
}

// NewCheckin создаёт чекин с классификацией по содержимому доказательства.
func NewCheckin(userID string, at time.Time, proof string) Checkin {
	return Checkin{
		UserID:    userID,
		Date:      at.UTC(),
		Proof:     proof,
		ProofType: ClassifyProof(proof),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EXTERNAL ACTIVITY
// ══════════════════════════════════════════════════════════════════════════════

// ContributionDay - день с внешней активностью и её количеством.
// Кешируется в User, чтобы обнаружить новую активность между чекинами.
type ContributionDay struct {
	// Date - календарная дата в формате YYYY-MM-DD (UTC).
	Date string `json:"date"`

	// Count - количество вкладов за этот день.
	Count int `json:"count"`
}

// IsNewerThan сообщает, является ли d новой активностью относительно
// закешированной записи cached: другой день, либо тот же день с большим счётом.
func (d ContributionDay) IsNewerThan(cached *ContributionDay) bool {
	if cached == nil || d.Date != cached.Date {
		return true
	}
	return d.Count > cached.Count
}

// ══════════════════════════════════════════════════════════════════════════════
// USER
// ══════════════════════════════════════════════════════════════════════════════

// User - участник сообщества. Создаётся лениво при первом взаимодействии.
type User struct {
	// ID - идентификатор из чат-платформы.
	ID string `json:"id"`

	// LastCheckinID - ссылка на последний чекин в таблице checkins.
	LastCheckinID *string `json:"last_checkin_id,omitempty"`

	// LastCheckin - встроенная копия последнего чекина.
	LastCheckin *Checkin `json:"last_checkin,omitempty"`

	// GithubName - привязанный логин GitHub.
	GithubName *string `json:"github_name,omitempty"`

	// LastGithubContribution - последняя известная активность на GitHub.
	LastGithubContribution *ContributionDay `json:"last_github_contribution,omitempty"`
}

// NewUser создаёт пользователя без истории.
func NewUser(id string) User {
	return User{ID: id}
}

// HasCheckedIn возвращает true, если пользователь уже делал чекин.
func (u User) HasCheckedIn() bool {
	return u.LastCheckin != nil
}

// ClaimsContribution возвращает true, если доказательство совпадает с
// привязанным логином GitHub.
func (u User) ClaimsContribution(proof string) bool {
	return u.GithubName != nil && *u.GithubName == proof
}

// RemainingCooldown возвращает оставшееся время кулдауна для чекина в момент at.
// Ноль означает, что чекин разрешён.
func (u User) RemainingCooldown(at time.Time, cooldown time.Duration) time.Duration {
	if u.LastCheckin == nil {
		return 0
	}
	elapsed := at.Sub(u.LastCheckin.Date)
	if elapsed < cooldown {
		return cooldown - elapsed
	}
	return 0
}
