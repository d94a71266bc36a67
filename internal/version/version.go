package version

import "fmt"

// Значения подставляются при сборке:
// -ldflags "-X github.com/vladislavdragonenkov/possettle/internal/version.version=v1.2.0".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — метаданные сборки для /healthz и логов старта.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает метаданные текущей сборки.
func Current() Build { return Build{Version: version, Commit: commit, Date: date} }

// Dev сообщает, что бинарник собран без -ldflags.
func (b Build) Dev() bool { return b.Version == "dev" }

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
