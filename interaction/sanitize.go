package interaction

import (
	"strings"
	"unicode"

	"agentflow/domain"

	"github.com/rs/zerolog/log"
)

const (
	ActionSourceRuleBased = "ruleBased"
	ActionSourceLLM       = "llm"
	ActionSourceAnalytics = "analytics"
)

// SuggestedAction is one normalized action offered alongside a request.
type SuggestedAction struct {
	Id          string
	Label       string
	Source      string
	Description string
	CtaLabel    string
	Payload     any
}

func (a SuggestedAction) document() map[string]any {
	doc := map[string]any{
		"id":     a.Id,
		"label":  a.Label,
		"source": a.Source,
	}
	if a.Description != "" {
		doc["description"] = a.Description
	}
	if a.CtaLabel != "" {
		doc["ctaLabel"] = a.CtaLabel
	}
	if a.Payload != nil {
		doc["payload"] = a.Payload
	}
	return doc
}

// SanitizeSuggestedActions normalizes the loosely shaped suggested actions of
// an interaction draft. Rule based actions are always allowed; llm and
// analytics actions survive only when their id is on the allow list and are
// otherwise reported under "filtered". A nil or unsupported input yields nil.
func SanitizeSuggestedActions(raw any) domain.Document {
	acc := newActionAccumulator()
	switch value := raw.(type) {
	case nil:
		return nil
	case string:
		acc.addRuleBased(parseAction(value, ActionSourceRuleBased, true))
	case []any:
		acc.routeAll(value)
	case map[string]any:
		acc.parseObject(value)
	case domain.Document:
		acc.parseObject(value)
	default:
		log.Debug().Msgf("Unsupported suggested actions type %T", raw)
		return nil
	}
	acc.filterNotAllowed()
	return acc.result()
}

type actionAccumulator struct {
	ruleBased *orderedActions
	llm       *orderedActions
	analytics *orderedActions
	allow     []string
	filtered  []any
}

type orderedActions struct {
	order   []string
	actions map[string]SuggestedAction
}

func (o *orderedActions) add(action SuggestedAction) {
	if _, ok := o.actions[action.Id]; ok {
		return
	}
	o.order = append(o.order, action.Id)
	o.actions[action.Id] = action
}

func (o *orderedActions) list() []any {
	list := make([]any, 0, len(o.order))
	for _, id := range o.order {
		list = append(list, o.actions[id].document())
	}
	return list
}

func newActionAccumulator() *actionAccumulator {
	newOrdered := func() *orderedActions {
		return &orderedActions{actions: map[string]SuggestedAction{}}
	}
	return &actionAccumulator{ruleBased: newOrdered(), llm: newOrdered(), analytics: newOrdered()}
}

func (a *actionAccumulator) allowId(id string) {
	for _, existing := range a.allow {
		if existing == id {
			return
		}
	}
	a.allow = append(a.allow, id)
}

func (a *actionAccumulator) addRuleBased(action *SuggestedAction) {
	if action == nil {
		return
	}
	action.Source = ActionSourceRuleBased
	a.ruleBased.add(*action)
	a.allowId(action.Id)
}

func (a *actionAccumulator) addLLM(action *SuggestedAction) {
	if action == nil {
		return
	}
	action.Source = ActionSourceLLM
	a.llm.add(*action)
}

func (a *actionAccumulator) addAnalytics(action *SuggestedAction) {
	if action == nil {
		return
	}
	action.Source = ActionSourceAnalytics
	a.analytics.add(*action)
}

func (a *actionAccumulator) route(action *SuggestedAction) {
	if action == nil {
		return
	}
	switch action.Source {
	case ActionSourceRuleBased:
		a.addRuleBased(action)
	case ActionSourceAnalytics:
		a.addAnalytics(action)
	default:
		a.addLLM(action)
	}
}

func (a *actionAccumulator) routeAll(values []any) {
	for _, value := range values {
		a.route(parseAction(value, ActionSourceRuleBased, false))
	}
}

func (a *actionAccumulator) parseObject(object map[string]any) {
	for _, key := range []string{"allow", "allowList", "allowlist"} {
		entries, ok := object[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range entries {
			if id := actionId(entry); id != "" {
				a.allowId(id)
			}
			if _, isObject := entry.(map[string]any); isObject {
				a.addRuleBased(parseAction(entry, ActionSourceRuleBased, true))
			}
		}
		break
	}

	sources := []struct {
		key    string
		source string
		add    func(*SuggestedAction)
	}{
		{"ruleBased", ActionSourceRuleBased, a.addRuleBased},
		{"required", ActionSourceRuleBased, a.addRuleBased},
		{"llm", ActionSourceLLM, a.addLLM},
		{"llmCandidates", ActionSourceLLM, a.addLLM},
		{"recommendations", ActionSourceLLM, a.addLLM},
		{"analytics", ActionSourceAnalytics, a.addAnalytics},
	}
	for _, s := range sources {
		for _, value := range asList(object[s.key]) {
			s.add(parseAction(value, s.source, true))
		}
	}

	a.routeAll(asList(object["items"]))
	a.routeAll(asList(object["actions"]))
}

func (a *actionAccumulator) filterNotAllowed() {
	allowed := make(map[string]bool, len(a.allow))
	for _, id := range a.allow {
		allowed[id] = true
	}
	for _, actions := range []*orderedActions{a.llm, a.analytics} {
		kept := actions.order[:0]
		for _, id := range actions.order {
			if allowed[id] {
				kept = append(kept, id)
				continue
			}
			action := actions.actions[id]
			log.Debug().Str("actionId", id).Str("source", action.Source).Msg("Dropping suggested action missing from allow list")
			a.filtered = append(a.filtered, map[string]any{
				"id":     id,
				"source": action.Source,
				"reason": "not-allowed",
			})
			delete(actions.actions, id)
		}
		actions.order = kept
	}
}

func (a *actionAccumulator) result() domain.Document {
	result := domain.Document{"ruleBased": a.ruleBased.list()}
	if len(a.llm.order) > 0 {
		result["llm"] = a.llm.list()
	}
	if len(a.analytics.order) > 0 {
		result["analytics"] = a.analytics.list()
	}
	if len(a.allow) > 0 {
		allow := make([]any, len(a.allow))
		for i, id := range a.allow {
			allow[i] = id
		}
		result["allow"] = allow
	}
	if len(a.filtered) > 0 {
		result["filtered"] = a.filtered
	}
	return result
}

func asList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

// parseAction reads a bare id string or an action object. When enforce is
// set the source is fixed to defaultSource regardless of what the action says.
func parseAction(value any, defaultSource string, enforce bool) *SuggestedAction {
	action := SuggestedAction{Source: defaultSource}
	switch v := value.(type) {
	case string:
		action.Id = strings.TrimSpace(v)
	case map[string]any:
		action.Id = firstText(v, "id", "action", "value")
		action.Label = firstText(v, "label", "title", "name")
		action.Description = firstText(v, "description", "details")
		action.CtaLabel = firstText(v, "cta", "ctaLabel")
		if source, ok := v["source"].(string); ok {
			action.Source = normalizeSource(source, defaultSource)
		}
		for _, key := range []string{"payload", "defaults", "value"} {
			if payload, ok := v[key]; ok && payload != nil {
				action.Payload = payload
				break
			}
		}
	default:
		return nil
	}
	if action.Id == "" {
		return nil
	}
	if action.Label == "" {
		action.Label = humanize(action.Id)
	}
	if enforce {
		action.Source = defaultSource
	}
	return &action
}

func actionId(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		return firstText(v, "id", "action", "value")
	}
	return ""
}

func normalizeSource(raw, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rule", "rule_based", "rulebased":
		return ActionSourceRuleBased
	case "ai", "llm":
		return ActionSourceLLM
	case "analytics", "data":
		return ActionSourceAnalytics
	}
	return fallback
}

func humanize(id string) string {
	replaced := strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(id))
	if replaced == "" {
		return id
	}
	runes := []rune(replaced)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func firstText(object map[string]any, keys ...string) string {
	for _, key := range keys {
		if text, ok := object[key].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}
