package model

// Actor — инициатор операции: пользователь из JWT и признак администратора.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// CanAccess проверяет, может ли actor управлять записью f.
func (a Actor) CanAccess(f *FileRecord) bool {
	return a.IsAdmin || (a.UserID != "" && f.OwnerID == a.UserID)
}
