package vimcord

var (
	// When building, set these like:
	// -ldflags "-X github.com/xsqu1znt/vimcord/vimcord.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
