package app

// 构建时通过 -ldflags "-X evidence-custody/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
