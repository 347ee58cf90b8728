package proxy

import (
	"net/http"
	"strings"
)

type RouteClass int

const (
	RouteUnknown RouteClass = iota
	RouteHealthcheck
	RouteAdmin
	RouteApp
	RouteMachineAPI
	RouteServiceDiscovery
)

func (c RouteClass) String() string {
	switch c {
	case RouteHealthcheck:
		return "healthcheck"
	case RouteAdmin:
		return "admin"
	case RouteApp:
		return "app"
	case RouteMachineAPI:
		return "machine-api"
	case RouteServiceDiscovery:
		return "service-discovery"
	default:
		return "unknown"
	}
}

type Route struct {
	Class RouteClass
	// PublicHost is the leftmost label under the root domain, set for
	// RouteApp only.
	PublicHost string
}

// Classify maps (host, path, method) onto the serving surface: the root
// domain carries healthcheck, machine and admin traffic; every subdomain
// is an application host. Any other host is unknown.
func Classify(r *http.Request, rootDomain string) Route {
	host := r.Host
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}

	if host == rootDomain {
		switch {
		case r.URL.Path == "/healthcheck":
			return Route{Class: RouteHealthcheck}
		case r.URL.Path == "/api/v1/application" && r.Method == http.MethodGet:
			return Route{Class: RouteServiceDiscovery}
		case strings.HasPrefix(r.URL.Path, "/api/v1/"):
			return Route{Class: RouteMachineAPI}
		default:
			return Route{Class: RouteAdmin}
		}
	}

	if suffix := "." + rootDomain; strings.HasSuffix(host, suffix) {
		publicHost := host[:len(host)-len(suffix)]
		if publicHost != "" && !strings.Contains(publicHost, ".") {
			return Route{Class: RouteApp, PublicHost: publicHost}
		}
	}

	return Route{Class: RouteUnknown}
}
