package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relayhq/orchestrator/pkg/config"
)

func TestBuildArgv(t *testing.T) {
	cases := []struct {
		cli  config.AgentCli
		want []string
	}{
		{config.CliClaude, []string{"claude", "-p", "do it"}},
		{config.CliCodex, []string{"codex", "exec", "do it"}},
		{config.CliGemini, []string{"gemini", "-p", "do it"}},
		{config.CliOpencode, []string{"opencode", "--prompt", "do it"}},
		{config.CliDroid, []string{"droid", "exec", "do it"}},
		{config.CliAider, []string{"aider", "--message", "do it", "--yes-always", "--no-git"}},
		{config.CliGoose, []string{"goose", "run", "--text", "do it", "--no-session"}},
	}
	for _, c := range cases {
		t.Run(string(c.cli), func(t *testing.T) {
			argv := buildArgv(c.cli, "do it", "")
			assert.Equal(t, c.want, argv)
		})
	}
}

func TestBuildArgv_AppendsModel(t *testing.T) {
	argv := buildArgv(config.CliClaude, "do it", "opus")
	assert.Equal(t, []string{"claude", "-p", "do it", "--model", "opus"}, argv)
}

func TestPtyArgs_NoModelIsNil(t *testing.T) {
	assert.Nil(t, ptyArgs(""))
}

func TestPtyArgs_WithModel(t *testing.T) {
	assert.Equal(t, []string{"--model", "opus"}, ptyArgs("opus"))
}
