package gateway

import (
	"fmt"

	"mcphub/internal/api"
	"mcphub/internal/settings"
)

// smartSegment is the reserved URL segment selecting the smart-routing scope.
const smartSegment = "$smart"

// resolveScope maps a URL scope segment onto a canonical scope. The empty
// segment is the global scope. Groups match first, by ID and then by display
// name, so a group and a server sharing a name always resolve to the group.
// Route toggles from the settings turn matches into forbidden errors: a
// disabled global route rejects the empty segment, and a disabled group-name
// route rejects name matches while leaving group IDs reachable.
func resolveScope(snap *settings.Settings, segment string, smartEnabled bool) (api.Scope, error) {
	routing := snap.Routing()

	switch segment {
	case "":
		if !routing.GlobalRouteEnabled() {
			return api.Scope{}, api.NewForbiddenError("the global route is disabled")
		}
		return api.GlobalScope(), nil
	case smartSegment:
		if !smartEnabled {
			return api.Scope{}, api.NewNotFoundError("smart routing is not enabled")
		}
		return api.SmartScope(), nil
	}

	if grp, ok := snap.FindGroup(segment); ok {
		if grp.ID != segment && !routing.GroupNameRouteEnabled() {
			return api.Scope{}, api.NewForbiddenError("routing by group name is disabled")
		}
		return api.GroupScope(grp.ID), nil
	}
	if _, ok := snap.FindServer(segment); ok {
		return api.ServerScope(segment), nil
	}
	return api.Scope{}, api.NewNotFoundError("no group or server named %q", segment)
}

// canonicalSegment is the URL segment the hub uses in the endpoints it
// advertises to clients: group IDs rather than display names, so SSE message
// URLs stay valid when a group is renamed.
func canonicalSegment(scope api.Scope) string {
	switch scope.Kind {
	case api.ScopeGlobal:
		return ""
	case api.ScopeSmart:
		return smartSegment
	default:
		return scope.Name
	}
}

// endpointPaths returns the advertised SSE, message, and streamable paths for
// a scope under the given base path.
func endpointPaths(basePath string, scope api.Scope) (sse, message, streamable string) {
	seg := canonicalSegment(scope)
	if seg == "" {
		return basePath + "/sse", basePath + "/messages", basePath + "/mcp"
	}
	return fmt.Sprintf("%s/sse/%s", basePath, seg),
		fmt.Sprintf("%s/%s/messages", basePath, seg),
		fmt.Sprintf("%s/mcp/%s", basePath, seg)
}
