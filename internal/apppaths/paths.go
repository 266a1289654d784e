// Package apppaths resolves the application's on-disk layout: config
// directory, database file, log directory, temp-artifact staging area
// and the default music output directory.
package apppaths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DevMode is set at build time via ldflags to isolate a development
// environment from production.
// Example: -ldflags "-X 'github.com/deemusic/core/internal/apppaths.DevMode=true'"
var DevMode string = "false"

func appDirName() string {
	if DevMode == "true" {
		return "deemusicd-dev"
	}
	return "deemusicd"
}

// Paths holds all resolved application directories.
type Paths struct {
	AppData string // config dir: %AppData%/deemusicd or ~/.config/deemusicd
	Temp    string // AppData/tmp, staging area for in-flight downloads
	Logs    string // AppData/logs
	DB      string // AppData/deemusicd.db
	Music   string // default output dir for finished tracks
}

// Resolve computes the application's directory layout based on OS
// conventions. It does not create any directory; call EnsureDirectories
// for that.
func Resolve() (*Paths, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}

	appData := filepath.Join(configDir, appDirName())

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	var music string
	switch runtime.GOOS {
	case "windows":
		music = filepath.Join(homeDir, "Music", "deemusic")
	case "darwin":
		music = filepath.Join(homeDir, "Music", "deemusic")
	default:
		music = filepath.Join(homeDir, "Music", "deemusic")
	}

	return &Paths{
		AppData: appData,
		Temp:    filepath.Join(appData, "tmp"),
		Logs:    filepath.Join(appData, "logs"),
		DB:      filepath.Join(appData, "deemusicd.db"),
		Music:   music,
	}, nil
}

// EnsureDirectories creates every directory required before the
// service starts (AppData, Temp, Logs, Music).
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.AppData, p.Temp, p.Logs, p.Music}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// TempArtifact returns the staging path for a job's partially-decrypted
// download, so the pipeline can revalidate a Range resume by comparing
// the artifact's size against the server's Content-Range on restart.
func (p *Paths) TempArtifact(jobID string) string {
	return filepath.Join(p.Temp, jobID+".part")
}
