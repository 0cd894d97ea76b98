package filewatch

import "strings"

// router tracks which paths belong to which agents, in both directions,
// so a raw filesystem event on one path can be translated into the set
// of agent names that need to hear about it.
type router struct {
	agentPaths  map[string][]string          // agent name -> watched paths
	pathToAgent map[string]map[string]bool // watched path -> set of agent names
}

func newRouter() *router {
	return &router{
		agentPaths:  make(map[string][]string),
		pathToAgent: make(map[string]map[string]bool),
	}
}

// register associates name with paths, returning them unchanged for the
// caller to hand to the underlying fsnotify watcher.
func (r *router) register(name string, paths []string) []string {
	r.agentPaths[name] = paths
	for _, p := range paths {
		if r.pathToAgent[p] == nil {
			r.pathToAgent[p] = make(map[string]bool)
		}
		r.pathToAgent[p][name] = true
	}
	return paths
}

// unregister removes name and returns the paths it had been watching.
func (r *router) unregister(name string) []string {
	paths := r.agentPaths[name]
	delete(r.agentPaths, name)
	for _, p := range paths {
		if agents, ok := r.pathToAgent[p]; ok {
			delete(agents, name)
			if len(agents) == 0 {
				delete(r.pathToAgent, p)
			}
		}
	}
	return paths
}

// affected returns the agent names registered for changedPath, including
// agents registered for a directory that changedPath falls under.
func (r *router) affected(changedPath string) map[string]bool {
	out := make(map[string]bool)
	for registered, agents := range r.pathToAgent {
		if registered == changedPath || isWithin(changedPath, registered) {
			for a := range agents {
				out[a] = true
			}
		}
	}
	return out
}

// pathsFor returns the paths watched for name.
func (r *router) pathsFor(name string) []string {
	return r.agentPaths[name]
}

func isWithin(path, dir string) bool {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return strings.HasPrefix(path, dir)
}
