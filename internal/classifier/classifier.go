// Package classifier implements the request classifier and router (spec.md
// §4.D): per parsed request, it decides passthrough vs. intercept vs.
// sync-inject, and tracks model selection and conversation->model mappings
// by observing vendor API paths.
package classifier

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/madappgang/claudish-proxy/internal/convstore"
	"github.com/madappgang/claudish-proxy/internal/httpparse"
)

// Decision is the outcome of classifying one parsed request. Exactly one of
// {passthrough, intercept, sync-inject} applies per request (spec.md §8,
// property 5).
type Decision int

// Decisions.
const (
	DecisionPassthrough Decision = iota
	DecisionIntercept
	DecisionSyncInject
)

var (
	organizationPathRe = regexp.MustCompile(`^/api/organizations/([^/]+)(/|$)`)
	modelConfigRe      = regexp.MustCompile(`^/api/model_configs/([^/?]+)`)
	conversationPostRe = regexp.MustCompile(`^/api/organizations/[^/]+/chat_conversations/([^/?]+)`)
	conversationGetRe  = regexp.MustCompile(`^/api/organizations/[^/]+/chat_conversations/([^/?]+)\b`)
	completionPathRe   = regexp.MustCompile(`/completion`)
)

// RoutingConfig is the mutated-only-by-control-API configuration snapshot
// (spec.md §3). Reads are atomic snapshots; Classifier never mutates a
// snapshot in place.
type RoutingConfig struct {
	Enabled  bool
	ModelMap map[string]string // source_model -> target_model
}

// CapturedAuth is the opportunistically captured impersonated-vendor auth
// context (spec.md §3). Each field is write-once: once set it is never
// overwritten (invariant c in spec.md §4.D).
type CapturedAuth struct {
	OrganizationID string
	Cookie         string
	Authorization  string
	VendorClientID string
	Platform       string
	Sha            string
	Version        string
	DeviceID       string
	CapturedAt     time.Time
}

// ModelTracker is the per-process model-selection state (spec.md §3),
// updated by observing vendor API paths.
type ModelTracker struct {
	mu                  sync.Mutex
	currentModel        string
	conversationModels  map[string]string
	lastUpdated         time.Time
}

func newModelTracker() *ModelTracker {
	return &ModelTracker{conversationModels: make(map[string]string)}
}

// CurrentModel returns the last model observed via GET /model_configs/{id}.
func (t *ModelTracker) CurrentModel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentModel
}

// ModelForConversation returns the model bound to convUUID, if any.
func (t *ModelTracker) ModelForConversation(convUUID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.conversationModels[convUUID]
	return m, ok
}

func (t *ModelTracker) setCurrentModel(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentModel = model
	t.lastUpdated = time.Now()
}

// bindConversation associates convUUID with a model, preferring any
// existing binding (spec.md §4.D.2: "ensure conversation_models[uuid] is
// set (prefer previous binding; otherwise current_model)").
func (t *ModelTracker) bindConversation(convUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conversationModels[convUUID]; ok {
		return
	}
	if t.currentModel != "" {
		t.conversationModels[convUUID] = t.currentModel
	}
}

// Classifier holds the routing configuration, model tracker, captured auth,
// and conversation store, and implements the per-request decision
// procedure of spec.md §4.D.
type Classifier struct {
	routingMu sync.RWMutex
	routing   RoutingConfig

	authMu sync.Mutex
	auth   CapturedAuth

	tracker *ModelTracker
	conv    *convstore.Store
	log     *slog.Logger
}

// New returns a Classifier with routing disabled and an empty model map.
func New(conv *convstore.Store, log *slog.Logger) *Classifier {
	return &Classifier{
		routing: RoutingConfig{Enabled: false, ModelMap: map[string]string{}},
		tracker: newModelTracker(),
		conv:    conv,
		log:     log,
	}
}

// SetRouting atomically replaces the routing configuration snapshot.
// Mutation is only ever invoked via the control API (spec.md §3).
func (c *Classifier) SetRouting(cfg RoutingConfig) {
	modelMap := make(map[string]string, len(cfg.ModelMap))
	for k, v := range cfg.ModelMap {
		modelMap[k] = v
	}
	c.routingMu.Lock()
	defer c.routingMu.Unlock()
	c.routing = RoutingConfig{Enabled: cfg.Enabled, ModelMap: modelMap}
}

// Routing returns a copy-on-read snapshot of the current routing config.
func (c *Classifier) Routing() RoutingConfig {
	c.routingMu.RLock()
	defer c.routingMu.RUnlock()
	modelMap := make(map[string]string, len(c.routing.ModelMap))
	for k, v := range c.routing.ModelMap {
		modelMap[k] = v
	}
	return RoutingConfig{Enabled: c.routing.Enabled, ModelMap: modelMap}
}

// CapturedAuth returns a copy of the currently captured auth context.
func (c *Classifier) CapturedAuth() CapturedAuth {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.auth
}

// Tracker exposes the model tracker for read access by other components
// (e.g. status reporting in the control API).
func (c *Classifier) Tracker() *ModelTracker { return c.tracker }

// Observe runs the auth-capture and model-tracking steps (spec.md §4.D,
// steps 1-2). It must be called before Decide, for every parsed request,
// regardless of the eventual routing decision (invariant b).
func (c *Classifier) Observe(req httpparse.ParsedRequest) {
	c.captureAuth(req)

	if req.Method == "GET" {
		if m := modelConfigRe.FindStringSubmatch(req.Path); m != nil {
			c.tracker.setCurrentModel(m[1])
			return
		}
	}
	if req.Method == "POST" {
		if m := conversationPostRe.FindStringSubmatch(req.Path); m != nil {
			c.tracker.bindConversation(m[1])
		}
	}
}

// captureAuth records the fields enumerated in spec.md §3, write-once per
// field (invariant c).
func (c *Classifier) captureAuth(req httpparse.ParsedRequest) {
	m := organizationPathRe.FindStringSubmatch(req.Path)
	if m == nil {
		return
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.auth.OrganizationID == "" {
		c.auth.OrganizationID = m[1]
		c.auth.CapturedAt = time.Now()
	}
	setOnce(&c.auth.Cookie, req.Headers.Get("Cookie"))
	setOnce(&c.auth.Authorization, req.Headers.Get("Authorization"))
	setOnce(&c.auth.VendorClientID, req.Headers.Get("X-Vendor-Client-Id"))
	setOnce(&c.auth.Platform, req.Headers.Get("X-Platform"))
	setOnce(&c.auth.Sha, req.Headers.Get("X-Sha"))
	setOnce(&c.auth.Version, req.Headers.Get("X-Version"))
	setOnce(&c.auth.DeviceID, req.Headers.Get("X-Device-Id"))
}

func setOnce(field *string, value string) {
	if *field == "" && value != "" {
		*field = value
	}
}

// Decide applies the routing decision procedure of spec.md §4.D, step 3.
// convUUID and resolvedModel are populated when the decision is
// DecisionIntercept, identifying which conversation and target model to
// hand to the provider adapters.
func (c *Classifier) Decide(req httpparse.ParsedRequest) (decision Decision, convUUID, resolvedModel string) {
	routing := c.Routing()

	isCompletion := containsCompletion(req.Path)
	if isCompletion && routing.Enabled {
		convUUID = conversationUUIDFromPath(req.Path)
		if model, ok := c.resolveTargetModel(convUUID, routing); ok {
			return DecisionIntercept, convUUID, model
		}
	}

	if req.Method == "GET" && isConversationSyncPath(req.Path) {
		if m := conversationGetRe.FindStringSubmatch(req.Path); m != nil {
			convUUID = m[1]
			if c.conv.HasMessages(convUUID) {
				return DecisionSyncInject, convUUID, ""
			}
		}
	}

	return DecisionPassthrough, "", ""
}

// resolveTargetModel resolves the target model for convUUID, per spec.md
// §4.D.3: conversation binding, else current_model, else — as a sentinel
// fallback — the sole target if all mappings point to one. When the
// mappings point to several targets, the target of the first source model
// in sorted order is chosen and a warning is logged (spec.md §9 Open
// Question ii).
func (c *Classifier) resolveTargetModel(convUUID string, routing RoutingConfig) (string, bool) {
	if len(routing.ModelMap) == 0 {
		return "", false
	}

	sourceModel, ok := c.tracker.ModelForConversation(convUUID)
	if !ok {
		sourceModel = c.tracker.CurrentModel()
	}
	if sourceModel != "" {
		if target, ok := routing.ModelMap[sourceModel]; ok {
			return target, true
		}
	}

	// Sentinel fallback: if every mapping points at the same target, use it.
	targets := distinctTargets(routing.ModelMap)
	if len(targets) == 1 {
		return targets[0], true
	}
	if len(targets) > 1 {
		keys := make([]string, 0, len(routing.ModelMap))
		for k := range routing.ModelMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		chosen := routing.ModelMap[keys[0]]
		c.log.Warn("Ambiguous routing targets with unknown current model; choosing first mapping deterministically",
			"chosenTarget", chosen, "candidateSourceModels", keys, "conversation", convUUID)
		return chosen, true
	}

	return "", false
}

func distinctTargets(modelMap map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range modelMap {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func containsCompletion(path string) bool {
	return completionPathRe.MatchString(path)
}

// isConversationSyncPath reports whether path is a conversation-detail GET
// with tree=True, the vendor's conversation-sync query shape (spec.md
// §4.D.3, glossary "Sync endpoint").
func isConversationSyncPath(path string) bool {
	return strings.Contains(path, "tree=True") || strings.Contains(path, "tree=true")
}

func conversationUUIDFromPath(path string) string {
	m := conversationPostRe.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}
