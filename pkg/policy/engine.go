package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Provider hands out the currently loaded document. Current returns nil
// when no valid document has ever loaded; evaluation then fails closed.
type Provider interface {
	Current() *Document
}

// Static wraps a fixed document as a Provider, for tests and policy check.
type Static struct{ Doc *Document }

func (s Static) Current() *Document { return s.Doc }

// Evaluate runs the decision procedure, first hit wins:
//
//  1. deny pattern match
//  2. no allow pattern match
//  3. foreground process mismatch
//  4. STT confidence below the guard floor
//  5. rolling rate window exhausted
//  6. guard expression false
//  7. confirmation required and unsatisfied
//  8. allow
//
// No I/O happens here: everything consulted arrives in req, doc and snap.
// Guard expressions run through eval; a nil eval fails any guard that
// declares one.
func Evaluate(req Request, doc *Document, snap Snapshot, eval *ExprEvaluator) Decision {
	if doc == nil {
		return deny(req, snap, ReasonPolicyInvalid, "no valid standing orders loaded", nil)
	}

	cond, known := doc.ConditionFor(req.Condition)
	guard, hasGuard := doc.GuardFor(req.Tool)
	var guardRef *Guard
	if hasGuard {
		guardRef = &guard
	}

	// 1. Explicit deny.
	if known && matchAny(cond.Deny, req.Tool) {
		return deny(req, snap, ReasonExplicitlyDenied,
			fmt.Sprintf("tool %s denied in %s", req.Tool, req.Condition), guardRef).
			withHash(req, snap, doc.Version)
	}

	// 2. Allow list. Unknown conditions grant nothing.
	if !known || !matchAny(cond.Allow, req.Tool) {
		return deny(req, snap, ReasonNotAllowed,
			fmt.Sprintf("tool %s not allowed in %s", req.Tool, req.Condition), guardRef).
			withHash(req, snap, doc.Version)
	}

	if hasGuard {
		// 3. Foreground.
		if len(guard.ForegroundAllowed) > 0 && !foregroundAllowed(guard.ForegroundAllowed, snap.Foreground) {
			return deny(req, snap, ReasonForegroundMismatch,
				fmt.Sprintf("foreground %q not in allow-list", snap.Foreground), guardRef).
				withHash(req, snap, doc.Version)
		}

		// 4. STT confidence floor, only for calls that carry one.
		if guard.MinSTTConfidence > 0 && req.STTConfidence != nil && *req.STTConfidence < guard.MinSTTConfidence {
			return deny(req, snap, ReasonLowSTTConfidence,
				fmt.Sprintf("stt confidence %.2f below floor %.2f", *req.STTConfidence, guard.MinSTTConfidence), guardRef).
				withHash(req, snap, doc.Version)
		}

		// 5. Rate window.
		if rl := guard.RateLimit; rl != nil {
			window := time.Duration(rl.WindowSec) * time.Second
			if countInWindow(snap.History, snap.Now, window) >= rl.MaxCount {
				return deny(req, snap, ReasonRateLimit,
					fmt.Sprintf("%d calls in %ds window", rl.MaxCount, rl.WindowSec), guardRef).
					withHash(req, snap, doc.Version)
			}
		}

		// 6. Guard expression.
		if guard.Expr != "" {
			ok, err := evalGuardExpr(eval, guard.Expr, req, snap)
			if err != nil {
				return deny(req, snap, ReasonGuardExpression,
					fmt.Sprintf("guard expression error: %v", err), guardRef).
					withHash(req, snap, doc.Version)
			}
			if !ok {
				return deny(req, snap, ReasonGuardExpression, "guard expression false", guardRef).
					withHash(req, snap, doc.Version)
			}
		}

		// 7. Confirmation.
		if guard.RequiresConfirmation && !req.Confirmed {
			return deny(req, snap, ReasonNeedsConfirmation,
				"explicit confirmation required", guardRef).
				withHash(req, snap, doc.Version)
		}
	}

	d := Decision{
		Allowed:     true,
		ReasonCode:  ReasonAllow,
		Condition:   req.Condition,
		Tool:        req.Tool,
		EvaluatedAt: snap.Now,
	}
	if hasGuard {
		d.SafetyClass = guard.SafetyClass
	}
	return d.withHash(req, snap, doc.Version)
}

func foregroundAllowed(allowed []string, current string) bool {
	if current == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, current) {
			return true
		}
	}
	return false
}

// countInWindow counts history entries strictly inside (now-window, now].
// An entry exactly one window old has aged out.
func countInWindow(history []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range history {
		if t.After(cutoff) && !t.After(now) {
			n++
		}
	}
	return n
}

func evalGuardExpr(eval *ExprEvaluator, expr string, req Request, snap Snapshot) (bool, error) {
	if eval == nil {
		return false, fmt.Errorf("no expression evaluator configured")
	}
	var confidence float64
	if req.STTConfidence != nil {
		confidence = *req.STTConfidence
	}
	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	context := req.Context
	if context == nil {
		context = map[string]interface{}{}
	}
	return eval.EvalBool(expr, map[string]interface{}{
		"tool":           req.Tool,
		"condition":      req.Condition,
		"foreground":     snap.Foreground,
		"stt_confidence": confidence,
		"params":         params,
		"context":        context,
	})
}

// Engine couples the pure evaluation with the live document and the
// confirm-token minter.
type Engine struct {
	provider Provider
	exprs    *ExprEvaluator
	minter   *TokenMinter
	window   time.Duration
	log      *slog.Logger
}

// NewEngine builds an engine. window is the fallback confirmation window
// when the document does not set one.
func NewEngine(provider Provider, minter *TokenMinter, window time.Duration, log *slog.Logger) (*Engine, error) {
	exprs, err := NewExprEvaluator()
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 12 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		provider: provider,
		exprs:    exprs,
		minter:   minter,
		window:   window,
		log:      log,
	}, nil
}

// MintedToken is a freshly issued confirm token the caller must persist.
type MintedToken struct {
	Token     string
	JTI       string
	ConfirmBy time.Time
}

// Decide evaluates the request and, on DENY_NEEDS_CONFIRMATION, mints a
// confirm token. The returned MintedToken is nil for every other verdict;
// callers persist it to the single-use ledger.
func (e *Engine) Decide(req Request, snap Snapshot, incidentID, requestID, actionID string) (Decision, *MintedToken, error) {
	doc := e.provider.Current()
	d := Evaluate(req, doc, snap, e.exprs)
	if d.ReasonCode != ReasonNeedsConfirmation {
		return d, nil, nil
	}

	window := e.window
	if doc != nil && doc.ConfirmWindowSeconds() > 0 {
		window = time.Duration(doc.ConfirmWindowSeconds()) * time.Second
	}
	confirmBy := snap.Now.Add(window)

	if e.minter == nil {
		return d, nil, fmt.Errorf("policy: confirmation required but no token minter configured")
	}
	token, jti, err := e.minter.Mint(incidentID, req.Tool, requestID, actionID, snap.Now, confirmBy)
	if err != nil {
		return d, nil, fmt.Errorf("policy: mint confirm token: %w", err)
	}

	d.ConfirmToken = token
	d.ConfirmBy = confirmBy
	return d, &MintedToken{Token: token, JTI: jti, ConfirmBy: confirmBy}, nil
}

// Window returns the active confirmation window.
func (e *Engine) Window() time.Duration {
	if doc := e.provider.Current(); doc != nil && doc.ConfirmWindowSeconds() > 0 {
		return time.Duration(doc.ConfirmWindowSeconds()) * time.Second
	}
	return e.window
}
