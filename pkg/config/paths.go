package config

import "path/filepath"

// State directory layout, rooted at <projectdir>/.drover.
const (
	StateDirName     = ".drover"
	ConfigFileName   = "config.yaml"
	BacklogFileName  = "backlog.yaml"
	MailboxDirName   = "mailbox"
	ResumeFileName   = "resume"
	DatabaseFileName = "drover.db"
	LogsDirName      = "logs"
	StatusFileName   = "status.json"
	MetricsFileName  = "metrics.prom"
)

// Paths resolves every file the runner touches under one project directory.
type Paths struct {
	ProjectDir string
	StateDir   string
	ConfigFile string
	Backlog    string
	MailboxDir string
	// Resume is the sentinel file whose appearance ends a PAUSE.
	Resume   string
	Database string
	LogsDir  string
	Status   string
	Metrics  string
}

// NewPaths lays out the state directory for a project.
func NewPaths(projectDir string) Paths {
	state := filepath.Join(projectDir, StateDirName)
	return Paths{
		ProjectDir: projectDir,
		StateDir:   state,
		ConfigFile: filepath.Join(state, ConfigFileName),
		Backlog:    filepath.Join(state, BacklogFileName),
		MailboxDir: filepath.Join(state, MailboxDirName),
		Resume:     filepath.Join(state, MailboxDirName, ResumeFileName),
		Database:   filepath.Join(state, DatabaseFileName),
		LogsDir:    filepath.Join(state, LogsDirName),
		Status:     filepath.Join(state, StatusFileName),
		Metrics:    filepath.Join(state, MetricsFileName),
	}
}
