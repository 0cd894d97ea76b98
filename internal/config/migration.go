package config

// migrate applies the config migration rules to doc, a generic document
// parsed straight from JSON5, before it is re-marshaled into the typed
// Config. Both rules are idempotent: running migrate twice on the same
// document is a no-op the second time.
func migrate(doc map[string]any) {
	normalizeKeyCase(doc)
	promoteDefaultsToMain(doc)
	moveExecRestrictToWorkspace(doc)
}

// normalizeKeyCase canonicalizes every object key in doc to camelCase,
// recursively, so a hand-edited or legacy snake_case document loads the
// same as its camelCase equivalent. Keys containing a colon are session
// bindings and are left untouched, per the key-casing convention.
func normalizeKeyCase(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			normalizeKeyCase(child)
			camel := ToCamelCase(k)
			if camel != k {
				delete(val, k)
				val[camel] = child
			}
		}
	case []any:
		for _, child := range val {
			normalizeKeyCase(child)
		}
	}
}

// promoteDefaultsToMain implements migration rule 1: if agents.defaults
// is present and agents.registry.main is not, synthesize
// agents.registry.main from agents.defaults, then delete agents.defaults.
func promoteDefaultsToMain(doc map[string]any) {
	agents, ok := doc["agents"].(map[string]any)
	if !ok {
		return
	}
	defaults, hasDefaults := agents["defaults"].(map[string]any)
	if !hasDefaults {
		return
	}

	registry, ok := agents["registry"].(map[string]any)
	if !ok {
		registry = make(map[string]any)
		agents["registry"] = registry
	}

	if _, hasMain := registry["main"]; !hasMain {
		registry["main"] = defaults
	}
	delete(agents, "defaults")
}

// moveExecRestrictToWorkspace implements migration rule 2: if
// tools.exec.restrictToWorkspace is present and tools.restrictToWorkspace
// is not, move it up a level.
func moveExecRestrictToWorkspace(doc map[string]any) {
	tools, ok := doc["tools"].(map[string]any)
	if !ok {
		return
	}
	exec, ok := tools["exec"].(map[string]any)
	if !ok {
		return
	}
	value, ok := exec["restrictToWorkspace"]
	if !ok {
		return
	}
	if _, already := tools["restrictToWorkspace"]; already {
		delete(exec, "restrictToWorkspace")
		return
	}
	tools["restrictToWorkspace"] = value
	delete(exec, "restrictToWorkspace")
}
