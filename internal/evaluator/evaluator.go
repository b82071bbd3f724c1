// Package evaluator orchestrates the evaluation pipeline: cache, dangerous
// patterns, safety registry, shell decomposition, configured patterns, and
// the default policy, in that order.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cmdguard/internal/audit"
	"cmdguard/internal/cache"
	"cmdguard/internal/command"
	"cmdguard/internal/config"
	"cmdguard/internal/policy"
	"cmdguard/internal/resolver"
	"cmdguard/internal/safety"
	"cmdguard/internal/shell"
)

// ReasonKind identifies which layer produced a decision.
type ReasonKind string

const (
	PolicyAllow      ReasonKind = "policy allow"
	PolicyDeny       ReasonKind = "policy deny"
	SafetyAllow      ReasonKind = "safety allow"
	SafetyDeny       ReasonKind = "safety deny"
	DangerousCommand ReasonKind = "dangerous command"
	CacheHit         ReasonKind = "cache hit"
	DefaultPolicy    ReasonKind = "default policy"
	DepthExceeded    ReasonKind = "depth exceeded"
)

// Reason pairs the deciding layer with its detail.
type Reason struct {
	Kind   ReasonKind
	Detail string
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// Result is the outcome of one evaluation.
type Result struct {
	Allowed          bool
	PrimaryReason    Reason
	SecondaryReasons []string
	ResolvedPath     string
}

// ruleContext is the immutable rule snapshot a single evaluation runs
// against. Reload builds a fresh one and swaps the reference.
type ruleContext struct {
	rules    *policy.RuleSet
	registry *safety.Registry
	resolver *resolver.Resolver
	prompt   bool
}

// Evaluator is safe for concurrent use.
type Evaluator struct {
	mu  sync.RWMutex
	ctx *ruleContext

	cache   *cache.Cache
	auditor *audit.Logger
	log     *slog.Logger
}

// New builds an evaluator from the loaded configuration. Pattern and
// rules-file errors surface here, before any evaluation runs.
func New(cfg *config.Config, log *slog.Logger) (*Evaluator, error) {
	if log == nil {
		log = slog.Default()
	}
	rc, err := buildRuleContext(cfg)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		ctx:   rc,
		cache: cache.New(cfg.TTL()),
		auditor: audit.NewLogger(audit.Options{
			Enabled:     cfg.Audit.Enabled,
			Dir:         cfg.Audit.Dir,
			RequestedBy: cfg.Audit.RequestedBy,
		}),
		log: log,
	}, nil
}

func buildRuleContext(cfg *config.Config) (*ruleContext, error) {
	rules, err := policy.LoadRulesDir(cfg.Commands.RulesDir)
	if err != nil {
		return nil, err
	}
	compiled, err := policy.Compile(cfg.Lists(), rules)
	if err != nil {
		return nil, err
	}
	return &ruleContext{
		rules:    compiled,
		registry: safety.NewRegistry(),
		resolver: resolver.New(cfg.Commands.ExtraPathEntries...),
		prompt:   cfg.PromptByDefault(),
	}, nil
}

// Reload replaces the rule context with one built from cfg and clears the
// decision cache. In-flight evaluations keep their snapshot.
func (e *Evaluator) Reload(cfg *config.Config) error {
	rc, err := buildRuleContext(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ctx = rc
	e.mu.Unlock()
	e.cache.Clear()
	return nil
}

// Cache exposes the decision cache for metrics and inspection.
func (e *Evaluator) Cache() *cache.Cache { return e.cache }

// AuditLogger exposes the audit logger for inspection.
func (e *Evaluator) AuditLogger() *audit.Logger { return e.auditor }

// Close releases the audit log file.
func (e *Evaluator) Close() error { return e.auditor.Close() }

func (e *Evaluator) snapshot() *ruleContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ctx
}

// Evaluate decides whether inv may run. Every call emits exactly one audit
// event; cache hits emit a Cached event. Internal failures in any layer
// resolve to a deny, never an error.
func (e *Evaluator) Evaluate(ctx context.Context, inv command.Invocation) Result {
	rc := e.snapshot()
	text := inv.Text()

	if entry, ok := e.cache.Get(text); ok {
		res := Result{
			Allowed:       entry.Allowed,
			PrimaryReason: Reason{CacheHit, entry.Reason},
			ResolvedPath:  entry.ResolvedPath,
		}
		e.writeAudit(inv, res, audit.DecisionCached)
		return res
	}

	res := e.evaluateFresh(rc, inv, 0)

	if res.ResolvedPath == "" && len(inv) > 0 {
		if r := rc.resolver.Resolve(inv[0]); r.Found {
			res.ResolvedPath = r.Path
		}
	}

	e.cache.Put(text, cache.Entry{
		Allowed:      res.Allowed,
		Reason:       res.PrimaryReason.String(),
		ResolvedPath: res.ResolvedPath,
	})
	e.writeAudit(inv, res, e.auditDecision(rc, res))
	return res
}

// evaluateFresh runs the non-cached pipeline. A panic in any layer
// resolves to a fail-safe deny.
func (e *Evaluator) evaluateFresh(rc *ruleContext, inv command.Invocation, depth int) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn("evaluation failure, denying", "command", inv.Text(), "panic", p)
			res = deny(SafetyDeny, "internal evaluation failure")
		}
	}()

	if len(inv) == 0 {
		return deny(SafetyDeny, "empty command")
	}
	if depth > shell.MaxDepth {
		return deny(DepthExceeded, fmt.Sprintf("shell nesting deeper than %d levels", shell.MaxDepth))
	}

	if reason, ok := safety.Dangerous(inv); ok {
		return deny(DangerousCommand, reason)
	}

	wrapper := shell.IsWrapper(inv)

	switch d := rc.registry.Check(inv); d.Verdict {
	case safety.VerdictDeny:
		return deny(SafetyDeny, d.Reason)
	case safety.VerdictAllow:
		// A wrapper's registry verdict says nothing about the script it
		// carries, so only non-wrappers short-circuit here. Configured
		// deny patterns still outrank a registry allow.
		if !wrapper {
			if m := rc.rules.Evaluate(inv); m.Outcome == policy.OutcomeDeny {
				return deny(PolicyDeny, m.Reason)
			}
			return Result{Allowed: true, PrimaryReason: Reason{SafetyAllow, "built-in safe command"}}
		}
	}

	if wrapper {
		if subs, _ := shell.Decompose(inv); subs != nil {
			res := e.evaluateSubs(rc, subs, depth)
			if res.Allowed {
				// Deny patterns match the wrapper's own text too, even
				// when every sub-command passes.
				if m := rc.rules.Evaluate(inv); m.Outcome == policy.OutcomeDeny {
					return deny(PolicyDeny, m.Reason)
				}
			}
			return res
		}
		// Not safely decomposable: the full text falls through to the
		// pattern layer and the default policy.
	}

	if m := rc.rules.Evaluate(inv); m.Outcome != policy.OutcomeNone {
		if m.Outcome == policy.OutcomeDeny {
			return deny(PolicyDeny, m.Reason)
		}
		return Result{Allowed: true, PrimaryReason: Reason{PolicyAllow, m.Reason}}
	}

	if rc.prompt {
		return deny(DefaultPolicy, "confirmation required")
	}
	return deny(DefaultPolicy, "no rule matched")
}

// evaluateSubs denies the whole invocation when any sub-invocation is
// denied, carrying the sub-invocation's reason as a secondary reason.
func (e *Evaluator) evaluateSubs(rc *ruleContext, subs []command.Invocation, depth int) Result {
	for _, sub := range subs {
		subRes := e.evaluateFresh(rc, sub, depth+1)
		if subRes.Allowed {
			continue
		}
		secondary := append(subRes.SecondaryReasons,
			fmt.Sprintf("%s: %s", sub.Text(), subRes.PrimaryReason))
		return Result{
			Allowed:          false,
			PrimaryReason:    Reason{subRes.PrimaryReason.Kind, fmt.Sprintf("sub-command %q denied", sub.Text())},
			SecondaryReasons: secondary,
		}
	}
	return Result{Allowed: true, PrimaryReason: Reason{SafetyAllow, "all sub-commands allowed"}}
}

func deny(kind ReasonKind, detail string) Result {
	return Result{Allowed: false, PrimaryReason: Reason{kind, detail}}
}

func (e *Evaluator) auditDecision(rc *ruleContext, res Result) audit.Decision {
	if res.Allowed {
		return audit.DecisionAllowed
	}
	if res.PrimaryReason.Kind == DefaultPolicy && rc.prompt {
		return audit.DecisionPrompted
	}
	return audit.DecisionDenied
}

func (e *Evaluator) writeAudit(inv command.Invocation, res Result, decision audit.Decision) {
	err := e.auditor.Log(audit.Event{
		Subject:      inv.Text(),
		Type:         audit.EventCommandExecution,
		Decision:     decision,
		Reason:       res.PrimaryReason.String(),
		ResolvedPath: res.ResolvedPath,
	})
	if err != nil {
		e.log.Warn("audit logging failed", "error", err)
	}
}
