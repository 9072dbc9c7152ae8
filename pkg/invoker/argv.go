package invoker

import "github.com/relayhq/orchestrator/pkg/config"

// buildArgv returns the one-shot argv for a non-interactive invocation
// of cli with task and an optional model override.
func buildArgv(cli config.AgentCli, task string, model string) []string {
	var argv []string
	switch cli {
	case config.CliClaude:
		argv = []string{"claude", "-p", task}
	case config.CliCodex:
		argv = []string{"codex", "exec", task}
	case config.CliGemini:
		argv = []string{"gemini", "-p", task}
	case config.CliOpencode:
		argv = []string{"opencode", "--prompt", task}
	case config.CliDroid:
		argv = []string{"droid", "exec", task}
	case config.CliAider:
		argv = []string{"aider", "--message", task, "--yes-always", "--no-git"}
	case config.CliGoose:
		argv = []string{"goose", "run", "--text", task, "--no-session"}
	default:
		argv = []string{string(cli), task}
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	return argv
}

// ptyArgs returns the args (excluding the binary and task, which the
// broker slots in separately) for an interactive PTY spawn: just the
// optional model flag.
func ptyArgs(model string) []string {
	if model == "" {
		return nil
	}
	return []string{"--model", model}
}
