// Package model содержит доменные сущности сервиса лояльности.
package model

import "time"

// Plan описывает тарифный план мерчанта.
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanBasic    Plan = "BASIC"
	PlanStandard Plan = "STANDARD"
	PlanPremium  Plan = "PREMIUM"
)

// Tier описывает уровень лояльности участника у мерчанта.
type Tier string

const (
	TierBase  Tier = "BASE"
	TierVIP   Tier = "VIP"
	TierSuper Tier = "SUPER"
)

// TransactionType описывает тип операции в журнале начислений.
type TransactionType string

const (
	TransactionEarn   TransactionType = "EARN"
	TransactionRedeem TransactionType = "REDEEM"
	TransactionPayout TransactionType = "PAYOUT"
)

// MintStatus описывает статус передачи начисления в систему расчётов.
type MintStatus string

const (
	MintStatusPending MintStatus = "PENDING"
	MintStatusMinted  MintStatus = "MINTED"
	MintStatusFailed  MintStatus = "FAILED"
)

// SpecialRewardKind описывает вид специальной годовой награды.
type SpecialRewardKind string

const (
	RewardBirthday          SpecialRewardKind = "birthday"
	RewardAnniversary       SpecialRewardKind = "anniversary"
	RewardMemberAnniversary SpecialRewardKind = "member_anniversary"
)

// Merchant представляет мерчанта — владельца программы лояльности.
type Merchant struct {
	ID                    int64
	Name                  string
	Plan                  Plan
	AdditionalMemberSlots int
	PreviousPlan          *Plan
	GraceDeadline         *time.Time
	VIPThreshold          int64
	SuperThreshold        int64
	WelcomeBonus          int64
	VisitPoints           int64
	SigningSecret         string
	RewardWindowDays      int
	BirthdayEnabled       bool
	BirthdayPoints        int64
	AnniversaryEnabled    bool
	AnniversaryPoints     int64
	MemberAnnivEnabled    bool
	MemberAnnivPoints     int64
	CreatedAt             time.Time
}

// Business представляет торговую точку мерчанта.
type Business struct {
	ID         int64
	MerchantID int64
	Name       string
	IsActive   bool
}

// Member представляет глобальную учётную запись клиента, не привязанную к мерчанту.
type Member struct {
	ID               int64
	Email            string
	Name             string
	BirthMonth       *int
	BirthDay         *int
	AnniversaryMonth *int
	AnniversaryDay   *int
	CreatedAt        time.Time
}

// MerchantMember представляет агрегат участия клиента в программе конкретного мерчанта.
type MerchantMember struct {
	ID                   int64
	MerchantID           int64
	MemberID             int64
	Points               int64
	Tier                 Tier
	BirthdayClaimYear    *int
	AnniversaryClaimYear *int
	MemberAnnivClaimYear *int
	ReferralCode         string
	JoinedAt             time.Time
}

// BusinessMember содержит счётчик визитов клиента в конкретную точку. Только аналитика.
type BusinessMember struct {
	BusinessID   int64
	MemberID     int64
	VisitCount   int64
	FirstVisitAt time.Time
	LastVisitAt  time.Time
}

// RewardTransaction описывает неизменяемую запись журнала начислений.
type RewardTransaction struct {
	ID               int64
	MerchantMemberID int64
	BusinessID       *int64
	Type             TransactionType
	Amount           int64
	Reason           string
	IdempotencyKey   *string
	CreatedAt        time.Time
}

// Scan представляет отметку о сканировании, предотвращающую повторное начисление.
type Scan struct {
	ID         int64
	MemberID   int64
	BusinessID *int64
	EventID    *int64
	ScanDay    time.Time
	MintStatus MintStatus
	MintTxHash *string
	MintError  *string
	CreatedAt  time.Time
}

// Event описывает событие мерчанта с ограниченным окном сканирования.
type Event struct {
	ID              int64
	MerchantID      int64
	Name            string
	Points          int64
	ScanWindowStart time.Time
	ScanWindowEnd   time.Time
	IsActive        bool
}

// APIToken описывает учётные данные программного API, привязанные к мерчанту.
type APIToken struct {
	ID         int64
	MerchantID int64
	TokenHash  []byte
	Scopes     []string
	IsActive   bool
	CreatedAt  time.Time
}

// AwardResult содержит итог операции начисления или списания баллов.
type AwardResult struct {
	PointsAwarded int64
	TotalPoints   int64
	Tier          Tier
	TierUpgrade   bool
}
