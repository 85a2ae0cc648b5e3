package domain

const (
	TierFree    = "free"
	TierPro     = "pro"
	TierProPlus = "pro_plus"
)

const (
	GlobalRoleUser     = "user"
	GlobalRoleSupplier = "supplier"
	GlobalRoleAdmin    = "admin"
)

// Caller - пользователь, от имени которого выполняется запрос (claims внешнего Auth-сервиса)
type Caller struct {
	UserID      string
	Email       string
	DisplayName string
	Tier        string
	Roles       []string
}

func (c Caller) HasRole(role string) bool {
	return containsString(c.Roles, role)
}

// UserContact - данные из каталога пользователей, нужные для уведомлений и отображения
type UserContact struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}
