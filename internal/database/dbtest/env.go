package dbtest

import "os"

// Enabled сообщает, разрешены ли интеграционные тесты.
func Enabled() bool {
	return os.Getenv("TEST_INTEGRATION") != ""
}
