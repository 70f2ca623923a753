package models

// Booking statuses.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Payment statuses.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

// Session statuses.
const (
	SessionScheduled  = "scheduled"
	SessionInProgress = "in-progress"
	SessionCompleted  = "completed"
	SessionCancelled  = "cancelled"
)

// Slot statuses. A completed slot has been consumed by a finished session.
const (
	SlotOpen      = "open"
	SlotCompleted = "completed"
)

// Session kinds.
const (
	KindChat  = "chat"
	KindAudio = "audio"
)

// SystemActor identifies transitions performed by the service itself (sweeper, manual end).
const SystemActor = "system"

// Roles carried by identity tokens.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
)

const (
	// DateLayout формат календарного дня слота
	DateLayout = "2006-01-02"

	// ClockLayout формат времени начала/окончания слота
	ClockLayout = "15:04"

	// DefaultDailyBookingLimit максимум активных заявок пользователя на дату
	DefaultDailyBookingLimit = 3

	// DefaultClaimRetries количество повторов цикла проверка-захват слота
	DefaultClaimRetries = 3

	// DefaultExtensionTTL время жизни состояния продления в Redis
	DefaultExtensionTTL = 24 * 60 * 60 // 24 часа в секундах

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 128

	// MessageRateLimit количество сообщений в окне
	MessageRateLimit = 30

	// MessageRateWindow окно ограничения частоты сообщений
	MessageRateWindow = 60 // 1 минута в секундах

	// MaxMessageLength максимальная длина сообщения чата
	MaxMessageLength = 4000
)
