package evaluator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdguard/internal/audit"
	"cmdguard/internal/command"
	"cmdguard/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Commands.RulesDir = filepath.Join(t.TempDir(), "rules")
	cfg.Audit.Dir = t.TempDir()
	return cfg
}

func newEvaluator(t *testing.T, mutate func(*config.Config)) *Evaluator {
	t.Helper()
	cfg := newTestConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func auditEvents(t *testing.T, e *Evaluator) []audit.Event {
	t.Helper()
	events, err := audit.ReadDay(e.AuditLogger().Dir(), time.Now().Format("2006-01-02"))
	require.NoError(t, err)
	return events
}

func TestDangerousOverridesAllowList(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowList = []string{"rm"}
	})

	res := e.Evaluate(context.Background(), command.New("rm", "-rf", "/"))
	assert.False(t, res.Allowed)
	assert.Equal(t, DangerousCommand, res.PrimaryReason.Kind)
}

func TestDenyBeatsAllowPatterns(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowGlob = []string{"npm *"}
		cfg.Commands.DenyList = []string{"npm publish"}
	})

	res := e.Evaluate(context.Background(), command.New("npm", "publish"))
	require.False(t, res.Allowed)
	assert.Equal(t, PolicyDeny, res.PrimaryReason.Kind)

	res = e.Evaluate(context.Background(), command.New("npm", "install"))
	assert.True(t, res.Allowed)
	assert.Equal(t, PolicyAllow, res.PrimaryReason.Kind)
}

func TestDenyPatternOutranksRegistryAllow(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.DenyList = []string{"ls"}
	})

	// ls is a built-in safe tool, but the configured deny still wins.
	res := e.Evaluate(context.Background(), command.New("ls", "-la"))
	require.False(t, res.Allowed)
	assert.Equal(t, PolicyDeny, res.PrimaryReason.Kind)
}

func TestGlobBoundary(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowGlob = []string{"npx *"}
	})

	res := e.Evaluate(context.Background(), command.New("npx", "vitest"))
	assert.True(t, res.Allowed)

	// Bare "npx" is not matched by "npx *" and falls to the default deny.
	res = e.Evaluate(context.Background(), command.New("npx"))
	require.False(t, res.Allowed)
	assert.Equal(t, DefaultPolicy, res.PrimaryReason.Kind)
}

func TestRegistryAllowShortCircuits(t *testing.T) {
	e := newEvaluator(t, nil)

	res := e.Evaluate(context.Background(), command.New("git", "status"))
	assert.True(t, res.Allowed)
	assert.Equal(t, SafetyAllow, res.PrimaryReason.Kind)
}

func TestRegistryDeny(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowGlob = []string{"cargo *"}
	})

	res := e.Evaluate(context.Background(), command.New("cargo", "fmt"))
	require.False(t, res.Allowed)
	assert.Equal(t, SafetyDeny, res.PrimaryReason.Kind)
	assert.Contains(t, res.PrimaryReason.Detail, "--check")
}

func TestShellDecompositionPropagation(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowList = []string{"ls"}
		cfg.Commands.DenyList = []string{"npm publish"}
	})

	res := e.Evaluate(context.Background(), command.New("bash", "-c", "ls && npm publish"))
	require.False(t, res.Allowed)
	assert.Equal(t, PolicyDeny, res.PrimaryReason.Kind)
	assert.Contains(t, res.PrimaryReason.Detail, "npm publish")
	require.NotEmpty(t, res.SecondaryReasons)
	assert.Contains(t, res.SecondaryReasons[0], "npm publish")
}

func TestShellDecompositionAllAllowed(t *testing.T) {
	e := newEvaluator(t, nil)

	res := e.Evaluate(context.Background(), command.New("bash", "-c", "ls && pwd"))
	assert.True(t, res.Allowed)
}

func TestDenyPatternsApplyToWrapperText(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.DenyList = []string{"bash"}
	})

	// Every sub-command is allowed, but the wrapper's own joined text
	// still matches a deny pattern.
	res := e.Evaluate(context.Background(), command.New("bash", "-c", "ls"))
	require.False(t, res.Allowed)
	assert.Equal(t, PolicyDeny, res.PrimaryReason.Kind)
	assert.Contains(t, res.PrimaryReason.Detail, "bash")
}

func TestDenyGlobAppliesToWrapperText(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.DenyGlob = []string{"*-c*"}
	})

	res := e.Evaluate(context.Background(), command.New("sh", "-c", "ls && pwd"))
	require.False(t, res.Allowed)
	assert.Equal(t, PolicyDeny, res.PrimaryReason.Kind)
}

func TestDangerousSubCommandDeniesWrapper(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowGlob = []string{"git *"}
	})

	res := e.Evaluate(context.Background(), command.New("bash", "-c", "git status && rm -rf /"))
	require.False(t, res.Allowed)
	assert.Equal(t, DangerousCommand, res.PrimaryReason.Kind)
}

func TestUnparseableWrapperFallsToDefault(t *testing.T) {
	e := newEvaluator(t, nil)

	res := e.Evaluate(context.Background(), command.New("bash", "-c", "ls > /tmp/out"))
	require.False(t, res.Allowed)
	assert.Equal(t, DefaultPolicy, res.PrimaryReason.Kind)
}

func TestDecompositionDepthExceeded(t *testing.T) {
	e := newEvaluator(t, nil)

	inner := command.New("sometool")
	for i := 0; i < 8; i++ {
		inner = command.New("bash", "-c", inner.Text())
	}

	res := e.Evaluate(context.Background(), inner)
	require.False(t, res.Allowed)
	assert.Equal(t, DepthExceeded, res.PrimaryReason.Kind)
}

func TestCacheIdempotence(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowList = []string{"make"}
	})

	first := e.Evaluate(context.Background(), command.New("make", "test"))
	second := e.Evaluate(context.Background(), command.New("make", "test"))

	assert.True(t, first.Allowed)
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.Equal(t, CacheHit, second.PrimaryReason.Kind)
	assert.Equal(t, first.PrimaryReason.String(), second.PrimaryReason.Detail)

	events := auditEvents(t, e)
	require.Len(t, events, 2)
	assert.Equal(t, audit.DecisionAllowed, events[0].Decision)
	assert.Equal(t, audit.DecisionCached, events[1].Decision)
}

func TestReloadSwapsRulesAndClearsCache(t *testing.T) {
	cfg := newTestConfig(t)
	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	res := e.Evaluate(context.Background(), command.New("make", "test"))
	require.False(t, res.Allowed)

	cfg.Commands.AllowList = []string{"make"}
	require.NoError(t, e.Reload(cfg))

	res = e.Evaluate(context.Background(), command.New("make", "test"))
	assert.True(t, res.Allowed)
	assert.Equal(t, PolicyAllow, res.PrimaryReason.Kind)
}

func TestReloadRejectsBadPatterns(t *testing.T) {
	cfg := newTestConfig(t)
	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	cfg.Commands.DenyRegex = []string{"("}
	assert.Error(t, e.Reload(cfg))
}

func TestAuditCompleteness(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowList = []string{"ls"}
	})

	cmds := []command.Invocation{
		command.New("ls"),
		command.New("rm", "-rf", "/"),
		command.New("sometool"),
		command.New("bash", "-c", "ls && pwd"),
		command.New("ls"), // cache hit
	}
	for _, inv := range cmds {
		e.Evaluate(context.Background(), inv)
	}

	events := auditEvents(t, e)
	assert.Len(t, events, len(cmds))
}

func TestPromptDefault(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Security.DefaultPolicy = "prompt"
	})

	res := e.Evaluate(context.Background(), command.New("sometool", "arg"))
	require.False(t, res.Allowed)
	assert.Equal(t, DefaultPolicy, res.PrimaryReason.Kind)
	assert.Equal(t, "confirmation required", res.PrimaryReason.Detail)

	events := auditEvents(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, audit.DecisionPrompted, events[0].Decision)
}

func TestFailSafeDefault(t *testing.T) {
	e := newEvaluator(t, nil)

	res := e.Evaluate(context.Background(), command.New("sometool", "arg"))
	require.False(t, res.Allowed)
	assert.Equal(t, DefaultPolicy, res.PrimaryReason.Kind)
}

func TestEmptyInvocationDenied(t *testing.T) {
	e := newEvaluator(t, nil)

	res := e.Evaluate(context.Background(), command.Invocation(nil))
	require.False(t, res.Allowed)
	assert.Equal(t, SafetyDeny, res.PrimaryReason.Kind)
}

func TestResolvedPath(t *testing.T) {
	toolDir := t.TempDir()
	path := filepath.Join(toolDir, "mytool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowList = []string{"mytool"}
		cfg.Commands.ExtraPathEntries = []string{toolDir}
	})

	res := e.Evaluate(context.Background(), command.New("mytool", "--version"))
	require.True(t, res.Allowed)
	assert.Equal(t, path, res.ResolvedPath)

	// A cache hit carries the same resolved path as the fresh evaluation.
	hit := e.Evaluate(context.Background(), command.New("mytool", "--version"))
	require.Equal(t, CacheHit, hit.PrimaryReason.Kind)
	assert.Equal(t, res.Allowed, hit.Allowed)
	assert.Equal(t, path, hit.ResolvedPath)
}

func TestStarlarkRulesAreWired(t *testing.T) {
	rulesDir := t.TempDir()
	rules := `
prefix_rule(
    pattern = ["npm", "publish"],
    decision = "deny",
    justification = "publishing requires review",
)
prefix_rule(pattern = ["make", ["test", "build"]])
`
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "npm.rules"), []byte(rules), 0o644))

	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.RulesDir = rulesDir
		cfg.Commands.AllowGlob = []string{"npm *"}
	})

	res := e.Evaluate(context.Background(), command.New("npm", "publish"))
	require.False(t, res.Allowed)
	assert.Equal(t, "publishing requires review", res.PrimaryReason.Detail)

	res = e.Evaluate(context.Background(), command.New("make", "test"))
	assert.True(t, res.Allowed)
}

func TestBadRulesFileFailsStartup(t *testing.T) {
	rulesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "bad.rules"), []byte("prefix_rule("), 0o644))

	cfg := newTestConfig(t)
	cfg.Commands.RulesDir = rulesDir
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	e := newEvaluator(t, nil)

	require.NotNil(t, e.Cache())
	require.NotNil(t, e.AuditLogger())

	e.Evaluate(context.Background(), command.New("ls"))
	assert.Equal(t, 1, e.Cache().Len())
	assert.True(t, e.AuditLogger().Enabled())
}

func TestConcurrentEvaluations(t *testing.T) {
	e := newEvaluator(t, func(cfg *config.Config) {
		cfg.Commands.AllowGlob = []string{"echo *"}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res := e.Evaluate(context.Background(), command.New("echo", "hello"))
				assert.True(t, res.Allowed)
			}
		}()
	}
	wg.Wait()
}
