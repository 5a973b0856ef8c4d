package agent

// defaultCompletionMarkers are the literal signals the bundled prompt
// template asks agents to emit when the whole backlog is done.
var defaultCompletionMarkers = []string{
	"ALL TASKS COMPLETE",
	"BACKLOG COMPLETE",
}

// BuiltinProfiles returns profiles for the tools supported out of the box.
// Config may override any field or add profiles for other tools.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Name:       "claude",
			Command:    "claude",
			Args:       []string{"--dangerously-skip-permissions"},
			PromptFlag: "-p",
			ModelFlag:  "--model",
			RateLimitPatterns: []string{
				`(?i)5-hour limit reached`,
				`(?i)claude usage limit`,
			},
			ResetTimePatterns: []string{
				`(?i)limit reached.*resets (.+?)\s*$`,
			},
			CompletionMarkers: defaultCompletionMarkers,
		},
		{
			Name:              "codex",
			Command:           "codex",
			Args:              []string{"exec", "--full-auto"},
			ModelFlag:         "-m",
			CompletionMarkers: defaultCompletionMarkers,
		},
		{
			Name:       "gemini",
			Command:    "gemini",
			Args:       []string{"--yolo"},
			PromptFlag: "-p",
			ModelFlag:  "-m",
			RateLimitPatterns: []string{
				`(?i)resource.?exhausted`,
			},
			CompletionMarkers: defaultCompletionMarkers,
		},
	}
}

// BuildRegistry registers one CLIAgent per profile. Duplicate names are an
// error so a config typo surfaces at startup rather than mid-run.
func BuildRegistry(profiles []Profile) (*Registry, error) {
	registry := NewRegistry()
	for _, p := range profiles {
		a, err := NewCLIAgent(p)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
