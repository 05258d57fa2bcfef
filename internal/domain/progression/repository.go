package progression

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Эти интерфейсы определяют контракт для работы с хранилищем данных.
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository - единственная точка чтения и записи состояния прогресса.
// Каждая операция атомарна относительно снимков хранилища.
type Repository interface {
	// CreateTables создаёт таблицы схемы. Идемпотентна.
	CreateTables() error

	// GetStats возвращает прогресс пользователя.
	// Возвращает ErrKeyNotFound, если записи нет.
	GetStats(userID string) (Stats, error)

	// GetUser возвращает пользователя.
	// Возвращает ErrKeyNotFound, если записи нет.
	GetUser(userID string) (User, error)

	// ListUserIDs возвращает идентификаторы всех пользователей.
	ListUserIDs() ([]string, error)

	// CreateMissingUserData создаёт User и Stats, если их нет.
	// Существующие записи никогда не перезаписываются.
	CreateMissingUserData(user User) error

	// CreateCheckin сохраняет неизменяемый чекин и возвращает его новый ID.
	CreateCheckin(checkin Checkin) (string, error)

	// UpdateUsersLastCheckin перечитывает пользователя и обновляет ссылку
	// на последний чекин и его встроенную копию.
	UpdateUsersLastCheckin(userID, checkinID string, checkin Checkin) error

	// RecordCheckin атомарно создаёт чекин, обновляет ссылку на него и,
	// если contribution не nil, кеш внешней активности пользователя.
	RecordCheckin(userID string, checkin Checkin, contribution *ContributionDay) (string, error)

	// UpdateUsersGithubName привязывает логин GitHub к пользователю.
	UpdateUsersGithubName(userID, name string) error

	// GiveXP начисляет опыт. Возвращает новый прогресс и признак повышения уровня.
	GiveXP(userID string, amount int) (Stats, bool, error)

	// SaveDB сохраняет снимок: ротационный или постоянный.
	SaveDB(permanent bool) error

	// LoadDB восстанавливает последний снимок.
	// Возвращает false, если снимков нет.
	LoadDB() (bool, error)
}

// ActivityVerifier проверяет внешнюю активность участника.
type ActivityVerifier interface {
	// LastContribution возвращает последний день с ненулевой активностью
	// для логина или nil, если активности не найдено.
	LastContribution(ctx context.Context, login string) (*ContributionDay, error)
}
